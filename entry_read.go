package zipflow

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"
)

// Entry is a lazy handle on one archive member, derived from its central
// directory record. Its exported fields (name and comment included) are
// decoded once at parse time; the entry's data is read from the underlying
// blob only when one of the read methods is called.
//
// Multiple reads of the same Entry are independent and idempotent: Bytes,
// Text, RawBytes and Open never mutate the blob or each other's results.
type Entry struct {
	Name              string
	Size              uint64 // uncompressed size
	CompressedSize    uint64
	CRC32             uint32
	CompressionMethod uint16
	LastModified      time.Time
	Directory         bool
	Encrypted         bool
	Zip64             bool
	Comment           string
	Offset            uint64 // local header offset
	ExternalAttrs     uint32
	CreatorVersion    uint16

	flags uint16

	ra          ReaderAt
	archiveSize int64
	dataStart   int64 // -1 until resolved; offset of compressed data in the blob
}

// Mode returns the permission and mode bits recorded for the entry,
// mirroring FileHeader.Mode on the write side.
func (e *Entry) Mode() (mode os.FileMode) {
	switch e.CreatorVersion >> 8 {
	case creatorUnix, creatorMacOSX:
		mode = unixModeToFileMode(e.ExternalAttrs >> 16)
	case creatorNTFS, creatorVFAT, creatorFAT:
		mode = msdosModeToFileMode(e.ExternalAttrs)
	}
	if e.Directory {
		mode |= os.ModeDir
	}
	return mode
}

// File is a fully materialized archive member: name, timestamp and decoded
// bytes, with no further lazy state.
type File struct {
	Name     string
	Modified time.Time
	Bytes    []byte
}

// dataRange locates the entry's compressed byte range by reading the
// local header's own name/extra lengths, which are not guaranteed to
// match the central directory's (some writers pad the local extra field
// differently than the central one).
func (e *Entry) dataRange(ctx context.Context) (start int64, size int64, err error) {
	dataStart := atomic.LoadInt64(&e.dataStart)
	if dataStart < 0 {
		var tail [4]byte
		if _, err := e.ra.ReadAtContext(ctx, tail[:], int64(e.Offset)+26); err != nil {
			return 0, 0, fmt.Errorf("zipflow: read local header of %q: %w", e.Name, err)
		}
		nameLen := binary.LittleEndian.Uint16(tail[0:2])
		extraLen := binary.LittleEndian.Uint16(tail[2:4])
		dataStart = int64(e.Offset) + fileHeaderLen + int64(nameLen) + int64(extraLen)
		atomic.StoreInt64(&e.dataStart, dataStart)
	}
	if dataStart < 0 || dataStart+int64(e.CompressedSize) > e.archiveSize {
		return 0, 0, fmt.Errorf("zipflow: entry %q data range out of bounds: %w", e.Name, ErrBadFormat)
	}
	return dataStart, int64(e.CompressedSize), nil
}

// RawBytes returns the entry's stored bytes exactly as they appear in the
// archive, without decompression.
func (e *Entry) RawBytes() ([]byte, error) {
	return e.RawBytesContext(context.Background())
}

// RawBytesContext is RawBytes with an explicit context for the underlying read.
func (e *Entry) RawBytesContext(ctx context.Context) ([]byte, error) {
	start, size, err := e.dataRange(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := e.ra.ReadAtContext(ctx, buf, start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("zipflow: read raw bytes of %q: %w", e.Name, err)
	}
	return buf, nil
}

// Open returns a reader over the entry's decoded (decompressed) bytes.
func (e *Entry) Open() (io.ReadCloser, error) {
	return e.OpenContext(context.Background())
}

// OpenContext is Open with an explicit context for the underlying read.
func (e *Entry) OpenContext(ctx context.Context) (io.ReadCloser, error) {
	start, size, err := e.dataRange(ctx)
	if err != nil {
		return nil, err
	}
	raw := io.NewSectionReader(withContext{ctx: ctx, r: e.ra}, start, size)

	switch e.CompressionMethod {
	case Store:
		return io.NopCloser(raw), nil
	case Deflate:
		return flate.NewReader(raw), nil
	default:
		return nil, fmt.Errorf("zipflow: entry %q uses method %d: %w", e.Name, e.CompressionMethod, ErrUnsupportedMethod)
	}
}

// Bytes reads the entry to completion and returns its decoded bytes.
func (e *Entry) Bytes() ([]byte, error) {
	rc, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Text is Bytes interpreted as a string.
func (e *Entry) Text() (string, error) {
	b, err := e.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// File materializes the entry's name, timestamp and decoded bytes together.
func (e *Entry) File() (*File, error) {
	b, err := e.Bytes()
	if err != nil {
		return nil, err
	}
	return &File{Name: e.Name, Modified: e.LastModified, Bytes: b}, nil
}
