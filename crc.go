package zipflow

import "hash/crc32"

// crcWriter accumulates an IEEE CRC-32 (the only checksum the ZIP format
// defines) over everything written to it, alongside a byte counter used to
// populate the uncompressed size field without a second pass.
type crcWriter struct {
	crc  uint32
	size uint64
}

func (c *crcWriter) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
	c.size += uint64(len(p))
	return len(p), nil
}
