package zipflow

import "encoding/binary"

// extraField is one tag/payload pair out of a FileHeader's variable-length
// Extra field. Every record is a 2 byte tag, a 2 byte little-endian payload
// length, and the payload itself; unrecognized tags are skipped by callers.
type extraField struct {
	tag     uint16
	payload []byte
}

// parseExtra splits a raw extra-field blob into its tag/payload records. A
// trailing fragment too short to hold a full tag+length header is ignored,
// matching how most readers in the wild tolerate tools that pad Extra with
// stray bytes.
func parseExtra(b []byte) []extraField {
	var fields []extraField
	for len(b) >= 4 {
		tag := binary.LittleEndian.Uint16(b[0:2])
		size := binary.LittleEndian.Uint16(b[2:4])
		b = b[4:]
		if int(size) > len(b) {
			break
		}
		fields = append(fields, extraField{tag: tag, payload: b[:size]})
		b = b[size:]
	}
	return fields
}

// findExtra returns the payload of the first record with the given tag.
func findExtra(b []byte, tag uint16) ([]byte, bool) {
	for _, f := range parseExtra(b) {
		if f.tag == tag {
			return f.payload, true
		}
	}
	return nil, false
}
