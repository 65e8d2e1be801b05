package oracle

import "strconv"

// parseSerial and formatSerial convert the PyPI change-log watermark
// (spec.md section 4.4's "serial") to and from the metadata table's text
// column.
func parseSerial(s string) (int, error) {
	return strconv.Atoi(s)
}

func formatSerial(serial int) string {
	return strconv.Itoa(serial)
}
