package zipflow

import (
	"hash/crc32"

	"golang.org/x/text/encoding/charmap"
)

// decodeName recovers the entry name as a Go string, given the raw name
// bytes, the general purpose flags, and the entry's Extra field.
//
// Precedence mirrors the write side's own reasoning in detectUTF8: if the
// UTF-8 language flag (bit 11) is set, the raw bytes already are UTF-8. If an
// Info-ZIP Unicode Path extra field (0x7075) is present and its stored CRC-32
// matches the raw name bytes, it overrides the raw name with a free-form
// transliteration supplied by whatever tool wrote the archive (commonly also
// UTF-8, but transliterated from anything). Otherwise, the raw bytes are
// decoded as CP-437, the format's nominal fallback encoding.
func decodeName(raw []byte, flags uint16, extra []byte) string {
	if flags&0x800 != 0 {
		return string(raw)
	}
	if payload, ok := findExtra(extra, unicodePathExtraID); ok && len(payload) >= 5 {
		version := payload[0]
		crc := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
		if version == 1 && crc == crc32.ChecksumIEEE(raw) {
			return string(payload[5:])
		}
	}
	out, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
