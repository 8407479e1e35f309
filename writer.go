// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	errLongName    = errors.New("zipflow: FileHeader.Name too long")
	errLongComment = errors.New("zipflow: FileHeader.Comment too long")
)

// writerEntry carries the fields a header write needs once Add has finished
// streaming the entry's bytes and knows its final CRC-32, sizes and offset.
// It is kept distinct from the public FileHeader because those are
// write-once facts discovered by the Writer itself, never supplied by the
// caller (unlike the teacher, which only ever serves archives it already
// knows the layout of).
type writerEntry struct {
	name               string
	comment            string
	extra              []byte
	creatorVersion     uint16
	readerVersion      uint16
	flags              uint16
	method             uint16
	modifiedDate       uint16
	modifiedTime       uint16
	crc32              uint32
	compressedSize64   uint64
	uncompressedSize64 uint64
	externalAttrs      uint32
	offset             uint64
}

// isZip64 reports whether any of the entry's size/offset fields overflow the
// classic 32 bit fields and therefore require the zip64 extra field.
func (e *writerEntry) isZip64() bool {
	return e.compressedSize64 >= uint32max || e.uncompressedSize64 >= uint32max || e.offset >= uint32max
}

// Writer builds a PKZIP archive by streaming entries, one at a time, to an
// underlying io.Writer. It never seeks: the local header for each entry is
// written with zeroed size/CRC fields, the entry's bytes follow, and the
// real values are recorded afterward in a data descriptor and in the
// central directory that Close writes at the end.
//
// A Writer must not be used concurrently.
type Writer struct {
	cw      *countWriter
	dir     []*writerEntry
	names   map[string]struct{}
	comment string
	closed  bool
}

// NewWriter returns a Writer that streams a ZIP archive to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		cw:    &countWriter{w: w},
		names: make(map[string]struct{}),
	}
}

// SetComment sets the archive-level comment written in the end-of-central-
// directory record. It must be called before Close.
func (zw *Writer) SetComment(comment string) error {
	if zw.closed {
		return errWriterClosed
	}
	if len(comment) > uint16max {
		return errLongComment
	}
	zw.comment = comment
	return nil
}

// Add streams one entry into the archive. The local header is written
// immediately; if fh.Stream is non-nil and fh.Directory is false, it is
// called exactly once and copied through to completion before the entry's
// data descriptor and central directory record are finalized.
//
// Add returns ErrDuplicateName if fh.Name has already been added.
func (zw *Writer) Add(fh *FileHeader) error {
	if zw.closed {
		return errWriterClosed
	}

	name := strings.TrimSpace(fh.Name)
	if fh.Directory && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	if _, dup := zw.names[name]; dup {
		return ErrDuplicateName
	}
	if len(name) > uint16max {
		return errLongName
	}

	e := &writerEntry{
		name:           name,
		comment:        fh.Comment,
		creatorVersion: fh.CreatorVersion&0xff00 | zipVersion20,
		readerVersion:  zipVersion20,
		externalAttrs:  fh.ExternalAttrs,
		offset:         uint64(zw.cw.count),
	}

	modified := fh.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	e.modifiedDate, e.modifiedTime = timeToMsDosTime(modified)

	utf8Valid1, utf8Require1 := detectUTF8(e.name)
	utf8Valid2, utf8Require2 := detectUTF8(e.comment)
	switch {
	case fh.NonUTF8:
		// leave the UTF-8 flag clear
	case (utf8Require1 || utf8Require2) && (utf8Valid1 && utf8Valid2):
		e.flags |= 0x800
	}

	// Only Store is emitted on write; a streaming writer that never
	// seeks back cannot retroactively shrink a local header once it
	// discovers the compressed size, and Store sidesteps that entirely
	// since compressed size always equals uncompressed size.
	e.method = Store

	// No extra field is written here: the local header's extra-length
	// must be 0, and the only extra fields this package emits at all
	// (zip64) are added to the central directory record alone, once
	// Add has learned whether the entry actually needs one.

	if fh.Directory {
		e.flags &^= 0x8 // no data descriptor; sizes are known to be zero
		if err := writeHeader(zw.cw, e); err != nil {
			return err
		}
		e.crc32 = 0
		zw.dir = append(zw.dir, e)
		zw.names[name] = struct{}{}
		return nil
	}

	e.flags |= 0x8 // a data descriptor follows the entry's bytes
	if err := writeHeader(zw.cw, e); err != nil {
		return err
	}

	if fh.Stream != nil {
		src, err := fh.Stream()
		if err != nil {
			return fmt.Errorf("zipflow: open stream for %q: %w", name, err)
		}
		cw := &crcWriter{}
		if _, err := io.Copy(io.MultiWriter(zw.cw, cw), src); err != nil {
			return fmt.Errorf("zipflow: stream %q: %w", name, err)
		}
		if rc, ok := src.(io.Closer); ok {
			if err := rc.Close(); err != nil {
				return fmt.Errorf("zipflow: close stream for %q: %w", name, err)
			}
		}
		e.crc32 = cw.crc
		e.uncompressedSize64 = cw.size
		e.compressedSize64 = cw.size
	} else {
		e.crc32 = 0
	}

	if _, err := zw.cw.Write(makeDataDescriptor(e)); err != nil {
		return err
	}

	zw.dir = append(zw.dir, e)
	zw.names[name] = struct{}{}
	return nil
}

// Close writes the central directory, the end-of-central-directory record
// (and its zip64 counterparts, if needed), and marks the Writer closed.
// Close does not close the underlying io.Writer.
func (zw *Writer) Close() error {
	if zw.closed {
		return nil
	}
	zw.closed = true
	return writeCentralDirectory(int64(zw.cw.count), zw.dir, zw.cw, zw.comment)
}

// detectUTF8 reports whether s is a valid UTF-8 string, and whether the string
// must be considered UTF-8 encoding (i.e., not compatible with CP-437, ASCII,
// or any other common encoding).
func detectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		// Officially, ZIP uses CP-437, but many readers use the system's
		// local character encoding. Most encodings are compatible with a
		// large subset of CP-437, which itself is ASCII-like.
		//
		// Forbid 0x7e and 0x5c since EUC-KR and Shift-JIS replace those
		// characters with localized currency and overline characters.
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false, false
			}
			require = true
		}
	}
	return true, require
}

func writeHeader(w io.Writer, e *writerEntry) error {
	if len(e.name) > uint16max {
		return errLongName
	}
	if len(e.extra) > uint16max {
		return errors.New("zipflow: extra field too long")
	}

	var buf [fileHeaderLen]byte
	b := writeBuf(buf[:])
	b.uint32(fileHeaderSignature)
	b.uint16(e.readerVersion)
	b.uint16(e.flags)
	b.uint16(e.method)
	b.uint16(e.modifiedTime)
	b.uint16(e.modifiedDate)
	b.uint32(0) // crc32, compressed size and uncompressed size are
	b.uint32(0) // written in the data descriptor that trails the
	b.uint32(0) // entry's bytes instead of here
	b.uint16(uint16(len(e.name)))
	b.uint16(uint16(len(e.extra)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.name); err != nil {
		return err
	}
	_, err := w.Write(e.extra)
	return err
}

type countWriter struct {
	w     io.Writer
	count int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.count += int64(n)
	return n, err
}

type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// zip64Extra builds the positional, variable-length zip64 extra field: it
// carries only the 64 bit counterpart of whichever classic 32 bit fields
// were replaced with the 0xFFFFFFFF sentinel, always in the fixed order
// uncompressed size, compressed size, offset.
func zip64Extra(e *writerEntry) []byte {
	var payload []byte
	var tmp [8]byte
	if e.uncompressedSize64 >= uint32max {
		binary.LittleEndian.PutUint64(tmp[:], e.uncompressedSize64)
		payload = append(payload, tmp[:]...)
	}
	if e.compressedSize64 >= uint32max {
		binary.LittleEndian.PutUint64(tmp[:], e.compressedSize64)
		payload = append(payload, tmp[:]...)
	}
	if e.offset >= uint32max {
		binary.LittleEndian.PutUint64(tmp[:], e.offset)
		payload = append(payload, tmp[:]...)
	}
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], zip64ExtraID)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

func writeCentralDirectory(start int64, dir []*writerEntry, writer io.Writer, comment string) error {
	cw := &countWriter{w: writer}
	for _, e := range dir {
		extra := e.extra
		var buf [directoryHeaderLen]byte
		b := writeBuf(buf[:])
		b.uint32(directoryHeaderSignature)
		b.uint16(e.creatorVersion)
		readerVersion := e.readerVersion
		if e.isZip64() && readerVersion < zipVersion45 {
			readerVersion = zipVersion45
		}
		b.uint16(readerVersion)
		b.uint16(e.flags)
		b.uint16(e.method)
		b.uint16(e.modifiedTime)
		b.uint16(e.modifiedDate)
		b.uint32(e.crc32)

		if e.uncompressedSize64 >= uint32max {
			b.uint32(uint32max)
		} else {
			b.uint32(uint32(e.uncompressedSize64))
		}
		if e.compressedSize64 >= uint32max {
			b.uint32(uint32max)
		} else {
			b.uint32(uint32(e.compressedSize64))
		}
		if e.isZip64() {
			extra = append(append([]byte{}, extra...), zip64Extra(e)...)
		}

		b.uint16(uint16(len(e.name)))
		b.uint16(uint16(len(extra)))
		b.uint16(uint16(len(e.comment)))
		b = b[4:] // disk number start, internal file attributes
		b.uint32(e.externalAttrs)
		if e.offset >= uint32max {
			b.uint32(uint32max)
		} else {
			b.uint32(uint32(e.offset))
		}
		if _, err := cw.Write(buf[:]); err != nil {
			return err
		}
		if _, err := io.WriteString(cw, e.name); err != nil {
			return err
		}
		if _, err := cw.Write(extra); err != nil {
			return err
		}
		if _, err := io.WriteString(cw, e.comment); err != nil {
			return err
		}
	}

	size := uint64(cw.count)
	end := uint64(start) + size
	records := uint64(len(dir))
	offset := uint64(start)

	if records >= uint16max || size >= uint32max || offset >= uint32max {
		var buf [directory64EndLen + directory64LocLen]byte
		b := writeBuf(buf[:])

		b.uint32(directory64EndSignature)
		b.uint64(directory64EndLen - 12)
		b.uint16(zipVersion45)
		b.uint16(zipVersion45)
		b.uint32(0)
		b.uint32(0)
		b.uint64(records)
		b.uint64(records)
		b.uint64(size)
		b.uint64(offset)

		b.uint32(directory64LocSignature)
		b.uint32(0)
		b.uint64(end)
		b.uint32(1)

		if _, err := cw.Write(buf[:]); err != nil {
			return err
		}

		records = uint16max
		size = uint32max
		offset = uint32max
	}

	var buf [directoryEndLen]byte
	b := writeBuf(buf[:])
	b.uint32(directoryEndSignature)
	b = b[4:]
	b.uint16(uint16(records))
	b.uint16(uint16(records))
	b.uint32(uint32(size))
	b.uint32(uint32(offset))
	b.uint16(uint16(len(comment)))
	if _, err := cw.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(cw, comment)
	return err
}

func makeDataDescriptor(e *writerEntry) []byte {
	if e.isZip64() {
		e.readerVersion = zipVersion45
		buf := make([]byte, dataDescriptor64Len)
		b := writeBuf(buf)
		b.uint32(dataDescriptorSignature)
		b.uint32(e.crc32)
		b.uint64(e.compressedSize64)
		b.uint64(e.uncompressedSize64)
		return buf
	}
	buf := make([]byte, dataDescriptorLen)
	b := writeBuf(buf)
	b.uint32(dataDescriptorSignature)
	b.uint32(e.crc32)
	b.uint32(uint32(e.compressedSize64))
	b.uint32(uint32(e.uncompressedSize64))
	return buf
}
