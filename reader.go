package zipflow

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// eocdRecord is the parsed, possibly zip64-overridden, end-of-central-
// directory record: just enough to locate and size the central directory.
type eocdRecord struct {
	entriesTotal uint64
	cdSize       uint64
	cdOffset     uint64
	comment      string
}

// Reader holds the parsed central directory of a ZIP archive. NewReader
// reads and parses every central directory record up front; Entries returns
// those already-built handles rather than producing them one at a time.
// Entry bodies are only touched when a caller asks for them.
//
// A Reader and the Entry handles it returns borrow a read-only view of the
// underlying blob and are safe for concurrent use.
type Reader struct {
	ra      ReaderAt
	size    int64
	comment string
	entries []*Entry
}

// NewReader parses the end-of-central-directory record and central
// directory of the archive in ra, which must expose exactly size bytes.
//
// ra may optionally implement ReaderAt (the context-aware variant from this
// package); otherwise its io.ReaderAt.ReadAt is called directly, ignoring
// context on per-entry reads.
func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	if size < directoryEndLen {
		return nil, fmt.Errorf("zipflow: blob of %d bytes too small for EOCD: %w", size, ErrBadFormat)
	}

	cra := toReaderAt(ra)

	eocdOff, rec, err := findEOCD(cra, size)
	if err != nil {
		return nil, err
	}

	if rec.cdOffset == uint32max {
		comment := rec.comment
		rec, err = readZip64EOCD(cra, eocdOff, size)
		if err != nil {
			return nil, err
		}
		rec.comment = comment
	}

	if rec.cdOffset > uint64(size) || int64(rec.cdOffset)+int64(rec.cdSize) > size {
		return nil, fmt.Errorf("zipflow: central directory offset %d size %d out of bounds for %d byte blob: %w",
			rec.cdOffset, rec.cdSize, size, ErrBadFormat)
	}

	cd := make([]byte, rec.cdSize)
	if _, err := io.ReadFull(io.NewSectionReader(withContext{ctx: context.Background(), r: cra}, int64(rec.cdOffset), int64(rec.cdSize)), cd); err != nil {
		return nil, fmt.Errorf("zipflow: read central directory: %w", err)
	}

	entries, err := parseCentralDirectory(cra, size, cd)
	if err != nil {
		return nil, err
	}

	return &Reader{
		ra:      cra,
		size:    size,
		comment: rec.comment,
		entries: entries,
	}, nil
}

// Entries returns the archive's entries in central-directory order, which
// is the order the writer accepted them in.
func (r *Reader) Entries() []*Entry {
	return r.entries
}

// Comment returns the archive-level comment stored in the EOCD record.
func (r *Reader) Comment() string {
	return r.comment
}

func toReaderAt(ra io.ReaderAt) ReaderAt {
	if cra, ok := ra.(ReaderAt); ok {
		return cra
	}
	return ignoreContext{r: ra}
}

// findEOCD implements the two-phase tail scan from the reader's discovery
// algorithm: try the last 22 bytes first (the size of an EOCD with no
// comment), then widen to the full 22+65535 byte window that a maximal
// comment requires.
func findEOCD(ra ReaderAt, size int64) (int64, eocdRecord, error) {
	windows := []int64{directoryEndLen, eocdSearchWindow}
	for _, w := range windows {
		if w > size {
			w = size
		}
		buf := bytebufferpool.Get()
		if cap(buf.B) < int(w) {
			buf.B = make([]byte, w)
		} else {
			buf.B = buf.B[:w]
		}
		start := size - w
		_, err := ra.ReadAtContext(context.Background(), buf.B, start)
		if err != nil && err != io.EOF {
			bytebufferpool.Put(buf)
			return 0, eocdRecord{}, fmt.Errorf("zipflow: read EOCD window: %w", err)
		}
		off, rec, ok := scanEOCD(buf.B, start)
		bytebufferpool.Put(buf)
		if ok {
			return off, rec, nil
		}
		if w == size {
			break
		}
	}
	return 0, eocdRecord{}, fmt.Errorf("zipflow: end of central directory record not found: %w", ErrBadFormat)
}

// scanEOCD looks for the EOCD signature in buf, which covers
// [bufStart, bufStart+len(buf)) of the blob, preferring (as PKZIP readers
// must) the match at the greatest offset in case the comment happens to
// contain stray signature bytes.
func scanEOCD(buf []byte, bufStart int64) (int64, eocdRecord, bool) {
	for i := len(buf) - 4; i >= 0; i-- {
		if buf[i] != 0x50 || buf[i+1] != 0x4b || buf[i+2] != 0x05 || buf[i+3] != 0x06 {
			continue
		}
		if i+directoryEndLen > len(buf) {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(buf[i+20 : i+22]))
		if i+directoryEndLen+commentLen != len(buf) {
			continue
		}
		rec := eocdRecord{
			entriesTotal: uint64(binary.LittleEndian.Uint16(buf[i+10 : i+12])),
			cdSize:       uint64(binary.LittleEndian.Uint32(buf[i+12 : i+16])),
			cdOffset:     uint64(binary.LittleEndian.Uint32(buf[i+16 : i+20])),
			comment:      string(buf[i+22 : i+22+commentLen]),
		}
		return bufStart + int64(i), rec, true
	}
	return 0, eocdRecord{}, false
}

// readZip64EOCD follows the ZIP64 locator that must immediately precede the
// classic EOCD record and returns the entry count, central directory size,
// and central directory offset from the wider 64-bit record it points to.
func readZip64EOCD(ra ReaderAt, eocdOff int64, size int64) (eocdRecord, error) {
	locOff := eocdOff - directory64LocLen
	if locOff < 0 {
		return eocdRecord{}, fmt.Errorf("zipflow: zip64 locator would start before blob: %w", ErrBadFormat)
	}
	var loc [directory64LocLen]byte
	if _, err := ra.ReadAtContext(context.Background(), loc[:], locOff); err != nil {
		return eocdRecord{}, fmt.Errorf("zipflow: read zip64 locator: %w", err)
	}
	if binary.LittleEndian.Uint32(loc[0:4]) != directory64LocSignature {
		return eocdRecord{}, fmt.Errorf("zipflow: zip64 locator signature mismatch: %w", ErrBadFormat)
	}
	recOff := int64(binary.LittleEndian.Uint64(loc[8:16]))
	if recOff < 0 || recOff+directory64EndLen > size {
		return eocdRecord{}, fmt.Errorf("zipflow: zip64 end record out of bounds: %w", ErrBadFormat)
	}

	var rec [directory64EndLen]byte
	if _, err := ra.ReadAtContext(context.Background(), rec[:], recOff); err != nil {
		return eocdRecord{}, fmt.Errorf("zipflow: read zip64 end record: %w", err)
	}
	if binary.LittleEndian.Uint32(rec[0:4]) != directory64EndSignature {
		return eocdRecord{}, fmt.Errorf("zipflow: zip64 end record signature mismatch: %w", ErrBadFormat)
	}

	return eocdRecord{
		entriesTotal: binary.LittleEndian.Uint64(rec[32:40]),
		cdSize:       binary.LittleEndian.Uint64(rec[40:48]),
		cdOffset:     binary.LittleEndian.Uint64(rec[48:56]),
	}, nil
}

// parseCentralDirectory walks the buffered central directory bytes and
// builds one Entry per record, resolving zip64-positional size/offset
// overrides along the way.
func parseCentralDirectory(ra ReaderAt, archiveSize int64, cd []byte) ([]*Entry, error) {
	var entries []*Entry
	for len(cd) > 0 {
		if len(cd) < directoryHeaderLen {
			return nil, fmt.Errorf("zipflow: truncated central directory record: %w", ErrBadFormat)
		}
		if binary.LittleEndian.Uint32(cd[0:4]) != directoryHeaderSignature {
			return nil, fmt.Errorf("zipflow: central directory header signature mismatch: %w", ErrBadFormat)
		}

		creatorVersion := binary.LittleEndian.Uint16(cd[4:6])
		flags := binary.LittleEndian.Uint16(cd[8:10])
		method := binary.LittleEndian.Uint16(cd[10:12])
		modTime := binary.LittleEndian.Uint16(cd[12:14])
		modDate := binary.LittleEndian.Uint16(cd[14:16])
		crc := binary.LittleEndian.Uint32(cd[16:20])
		compressedSize := uint64(binary.LittleEndian.Uint32(cd[20:24]))
		uncompressedSize := uint64(binary.LittleEndian.Uint32(cd[24:28]))
		nameLen := int(binary.LittleEndian.Uint16(cd[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(cd[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(cd[32:34]))
		externalAttrs := binary.LittleEndian.Uint32(cd[38:42])
		offset := uint64(binary.LittleEndian.Uint32(cd[42:46]))

		recordLen := directoryHeaderLen + nameLen + extraLen + commentLen
		if recordLen > len(cd) {
			return nil, fmt.Errorf("zipflow: central directory record extends past directory: %w", ErrBadFormat)
		}

		nameRaw := cd[directoryHeaderLen : directoryHeaderLen+nameLen]
		extra := cd[directoryHeaderLen+nameLen : directoryHeaderLen+nameLen+extraLen]
		comment := string(cd[directoryHeaderLen+nameLen+extraLen : recordLen])

		needUSize := uncompressedSize == uint32max
		needCSize := compressedSize == uint32max
		needOffset := offset == uint32max
		zip64 := needUSize || needCSize || needOffset
		if payload, ok := findExtra(extra, zip64ExtraID); ok {
			p := payload
			if needUSize && len(p) >= 8 {
				uncompressedSize = binary.LittleEndian.Uint64(p[0:8])
				p = p[8:]
			} else if needUSize {
				return nil, fmt.Errorf("zipflow: zip64 extra field missing uncompressed size: %w", ErrBadFormat)
			}
			if needCSize && len(p) >= 8 {
				compressedSize = binary.LittleEndian.Uint64(p[0:8])
				p = p[8:]
			} else if needCSize {
				return nil, fmt.Errorf("zipflow: zip64 extra field missing compressed size: %w", ErrBadFormat)
			}
			if needOffset && len(p) >= 8 {
				offset = binary.LittleEndian.Uint64(p[0:8])
				p = p[8:]
			} else if needOffset {
				return nil, fmt.Errorf("zipflow: zip64 extra field missing offset: %w", ErrBadFormat)
			}
		} else if zip64 {
			return nil, fmt.Errorf("zipflow: entry needs zip64 extra field but none present: %w", ErrBadFormat)
		}

		name := decodeName(nameRaw, flags, extra)

		e := &Entry{
			Name:              name,
			Size:              uncompressedSize,
			CompressedSize:    compressedSize,
			CRC32:             crc,
			CompressionMethod: method,
			LastModified:      msDosTimeToTime(modDate, modTime),
			Directory:         externalAttrs&msdosDir != 0 || (uncompressedSize == 0 && hasTrailingSlash(name)),
			Encrypted:         flags&0x1 != 0,
			Zip64:             zip64,
			Comment:           comment,
			Offset:            offset,
			ExternalAttrs:     externalAttrs,
			CreatorVersion:    creatorVersion,
			flags:             flags,

			ra:          ra,
			archiveSize: archiveSize,
			dataStart:   -1,
		}
		entries = append(entries, e)

		cd = cd[recordLen:]
	}
	return entries, nil
}

func hasTrailingSlash(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '/'
}
