// Package pypi implements the upstream package index client the Architect
// polls for changes (spec.md section 4.4). The real upstream index answers
// this over its legacy XML-RPC endpoint; no XML-RPC client exists anywhere
// in the retrieved corpus, so this package talks XML-RPC directly with
// net/http + encoding/xml rather than pulling in an unrelated-domain
// library — see DESIGN.md for why this is the one ambient concern left on
// the standard library.
package pypi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/piwheels/farm/internal/farmerr"
)

// Change is one entry of changelog_since_serial: a (package, version)
// touched at some point after the watermark, plus the serial it landed at.
type Change struct {
	Package string
	Version string
	Serial  int
}

// Client polls the upstream index's changelog.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (spec.md section 6's
// "upstream_index_url", e.g. https://pypi.org/pypi).
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// ChangesSince returns every change recorded strictly after serial, along
// with the highest serial observed — the caller advances its watermark to
// that value via SETPYPI. An empty, error-free result with maxSerial equal
// to serial means nothing changed since the last poll.
func (c *Client) ChangesSince(ctx context.Context, serial int) (changes []Change, maxSerial int, err error) {
	body, err := marshalCall("changelog_since_serial", serial)
	if err != nil {
		return nil, serial, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, serial, err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, serial, farmerr.NewProtocol("pypi", "changelog_since_serial: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serial, farmerr.NewProtocol("pypi", "changelog_since_serial: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serial, err
	}
	rows, err := unmarshalChangelog(raw)
	if err != nil {
		return nil, serial, farmerr.NewIntegrity("parsing changelog_since_serial reply: %w", err)
	}

	maxSerial = serial
	for _, row := range rows {
		if row.Serial > maxSerial {
			maxSerial = row.Serial
		}
		changes = append(changes, row)
	}
	return changes, maxSerial, nil
}

// methodCall/methodResponse are the minimal XML-RPC envelopes this client
// needs: one scalar int argument in, an array of 5-tuples out.
type methodCall struct {
	XMLName    xml.Name `xml:"methodCall"`
	MethodName string   `xml:"methodName"`
	Params     struct {
		Param []struct {
			Value struct {
				Int int `xml:"int"`
			} `xml:"value"`
		} `xml:"param"`
	} `xml:"params"`
}

func marshalCall(method string, serial int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<methodCall><methodName>%s</methodName><params><param><value><int>%d</int></value></param></params></methodCall>", method, serial)
	return buf.Bytes(), nil
}

type methodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  struct {
		Param struct {
			Value struct {
				Array struct {
					Data struct {
						Value []struct {
							Array struct {
								Data struct {
									Value []struct {
										String string `xml:"string"`
										Int    *int    `xml:"int"`
									} `xml:"value"`
								} `xml:"data"`
							} `xml:"array"`
						} `xml:"value"`
					} `xml:"data"`
				} `xml:"array"`
			} `xml:"value"`
		} `xml:"param"`
	} `xml:"params"`
}

// unmarshalChangelog parses a changelog_since_serial reply: an array of
// tuples (name, version, timestamp, action, serial). Only name, version and
// serial are kept; rows with no version (package-level events) are skipped.
func unmarshalChangelog(raw []byte) ([]Change, error) {
	var resp methodResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	var out []Change
	for _, row := range resp.Params.Param.Value.Array.Data.Value {
		fields := row.Array.Data.Value
		if len(fields) < 5 {
			continue
		}
		pkg := fields[0].String
		ver := fields[1].String
		if ver == "" {
			continue
		}
		serial := 0
		if fields[4].Int != nil {
			serial = *fields[4].Int
		}
		out = append(out, Change{Package: pkg, Version: ver, Serial: serial})
	}
	return out, nil
}
