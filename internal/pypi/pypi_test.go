package pypi

import "testing"

const sampleReply = `<?xml version='1.0'?>
<methodResponse>
<params>
<param>
<value><array><data>
<value><array><data>
<value><string>numpy</string></value>
<value><string>1.26.0</string></value>
<value><int>1700000000</int></value>
<value><string>new release</string></value>
<value><int>42</int></value>
</data></array></value>
<value><array><data>
<value><string>scipy</string></value>
<value><string></string></value>
<value><int>1700000001</int></value>
<value><string>create</string></value>
<value><int>43</int></value>
</data></array></value>
</data></array></value>
</param>
</params>
</methodResponse>`

func TestUnmarshalChangelogSkipsPackageLevelEvents(t *testing.T) {
	changes, err := unmarshalChangelog([]byte(sampleReply))
	if err != nil {
		t.Fatalf("unmarshalChangelog: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 (scipy row has no version)", len(changes))
	}
	got := changes[0]
	if got.Package != "numpy" || got.Version != "1.26.0" || got.Serial != 42 {
		t.Fatalf("changes[0] = %+v, want {numpy 1.26.0 42}", got)
	}
}
