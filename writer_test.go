// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

type WriteTest struct {
	Name string
	Data []byte
	Mode os.FileMode
}

var writeTests = []WriteTest{
	{
		Name: "foo",
		Data: []byte("Rabbits, guinea pigs, gophers, marsupial rats, and quolls."),
		Mode: 0666,
	},
	{
		Name: "bar",
		Data: bytes.Repeat([]byte("gopher"), 1<<14),
		Mode: 0644,
	},
	{
		Name: "setuid",
		Data: []byte("setuid file"),
		Mode: 0755 | os.ModeSetuid,
	},
	{
		Name: "setgid",
		Data: []byte("setgid file"),
		Mode: 0755 | os.ModeSetgid,
	},
	{
		Name: "symlink",
		Data: []byte("../link/target"),
		Mode: 0755 | os.ModeSymlink,
	},
}

func testCreate(wt *WriteTest) *FileHeader {
	data := wt.Data
	h := &FileHeader{
		Name:   wt.Name,
		Stream: func() (io.Reader, error) { return bytes.NewReader(data), nil },
	}
	if wt.Mode != 0 {
		h.SetMode(wt.Mode)
	}
	return h
}

// TestWriter round-trips a handful of entries through Writer and the
// package's own Reader.
func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	for _, wt := range writeTests {
		if err := zw.Add(testCreate(&wt)); err != nil {
			t.Fatalf("Add(%q): %v", wt.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	entries := zr.Entries()
	if len(entries) != len(writeTests) {
		t.Fatalf("got %d entries, want %d", len(entries), len(writeTests))
	}
	for i, wt := range writeTests {
		e := entries[i]
		if e.Name != wt.Name {
			t.Errorf("entry %d name = %q, want %q", i, e.Name, wt.Name)
		}
		got, err := e.Bytes()
		if err != nil {
			t.Fatalf("Bytes(%q): %v", wt.Name, err)
		}
		if !bytes.Equal(got, wt.Data) {
			t.Errorf("entry %q contents mismatch", wt.Name)
		}
		if wt.Mode != 0 && e.Mode() != wt.Mode {
			t.Errorf("entry %q mode = %v, want %v", wt.Name, e.Mode(), wt.Mode)
		}
	}

	// Cross-check with the standard library's reader as an interop sanity
	// check: an archive this package writes must also be readable by a
	// reference implementation.
	stdr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("archive/zip.NewReader: %v", err)
	}
	for i, wt := range writeTests {
		f := stdr.File[i]
		if f.Name != wt.Name {
			t.Errorf("archive/zip entry %d name = %q, want %q", i, f.Name, wt.Name)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("archive/zip Open(%q): %v", wt.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("archive/zip ReadAll(%q): %v", wt.Name, err)
		}
		if !bytes.Equal(got, wt.Data) {
			t.Errorf("archive/zip entry %q contents mismatch", wt.Name)
		}
	}
}

func TestWriterComment(t *testing.T) {
	tests := []struct {
		comment string
		ok      bool
	}{
		{"hi, hello", true},
		{"hi, こんにちわ", true},
		{strings.Repeat("a", uint16max), true},
		{strings.Repeat("a", uint16max+1), false},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		zw := NewWriter(&buf)
		err := zw.SetComment(test.comment)
		if !test.ok {
			if err == nil {
				t.Errorf("SetComment(%d bytes): expected error, got nil", len(test.comment))
			}
			continue
		}
		if err != nil {
			t.Fatalf("SetComment: unexpected error: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		zr, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		if zr.Comment() != test.comment {
			t.Errorf("Comment() = %q, want %q", zr.Comment(), test.comment)
		}
	}
}

func TestWriterUTF8(t *testing.T) {
	tests := []struct {
		name    string
		comment string
		nonUTF8 bool
		flags   uint16
	}{
		{name: "hi, hello", comment: "in the world", flags: 0x8},
		{name: "hi, こんにちわ", comment: "in the world", flags: 0x808},
		{name: "hi, こんにちわ", comment: "in the world", nonUTF8: true, flags: 0x8},
		{name: "hi, hello", comment: "in the 世界", flags: 0x808},
		{name: "hi, こんにちわ", comment: "in the 世界", flags: 0x808},
	}

	var buf bytes.Buffer
	zw := NewWriter(&buf)
	for _, test := range tests {
		h := &FileHeader{Name: test.name, Comment: test.comment, NonUTF8: test.nonUTF8}
		if err := zw.Add(h); err != nil {
			t.Fatalf("Add(%q): %v", test.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stdr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("archive/zip.NewReader: %v", err)
	}
	for i, test := range tests {
		flags := stdr.File[i].Flags
		if flags != test.flags {
			t.Errorf("Add(name=%q comment=%q nonUTF8=%v): flags=%#x, want %#x", test.name, test.comment, test.nonUTF8, flags, test.flags)
		}
	}
}

func TestWriterTime(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	modified := time.Date(2017, 10, 31, 21, 11, 57, 0, time.UTC)
	err := zw.Add(&FileHeader{Name: "test.txt", Modified: modified})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got := zr.Entries()[0].LastModified
	if d := got.Sub(modified); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("LastModified = %v, want within 2s of %v", got, modified)
	}
}

func TestWriterNameTrimsSurroundingWhitespace(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Add(&FileHeader{Name: "  foo.txt\n"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := zr.Entries()[0].Name; got != "foo.txt" {
		t.Errorf("Name = %q, want %q", got, "foo.txt")
	}
}

// Trimming must happen before the duplicate check, so two names that only
// differ by surrounding whitespace collide.
func TestWriterNameTrimBeforeDuplicateCheck(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Add(&FileHeader{Name: "foo.txt"}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := zw.Add(&FileHeader{Name: "  foo.txt  "})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("second Add error = %v, want ErrDuplicateName", err)
	}
}

func TestWriterDuplicateName(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Add(&FileHeader{Name: "duplicate.txt"}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := zw.Add(&FileHeader{Name: "duplicate.txt"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("second Add error = %v, want ErrDuplicateName", err)
	}
}

func TestWriterDir(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Add(&FileHeader{Name: "dir/", Directory: true}); err != nil {
		t.Errorf("directory without stream: got %v, want nil", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	e := zr.Entries()[0]
	if !e.Directory {
		t.Error("Directory = false, want true")
	}
	if !strings.HasSuffix(e.Name, "/") {
		t.Errorf("Name = %q, want trailing slash", e.Name)
	}
	if e.Size != 0 {
		t.Errorf("Size = %d, want 0", e.Size)
	}
}

// The local header's extra-length field must always be 0: this package
// writes zip64 extra fields into the central directory only, once Add has
// learned whether an entry actually overflowed, never into the local header.
func TestWriterLocalHeaderHasNoExtraField(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Add(&FileHeader{
		Name:     "a.txt",
		Modified: time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b := buf.Bytes()

	var sig [4]byte
	binary.LittleEndian.PutUint32(sig[:], uint32(fileHeaderSignature))
	idx := bytes.Index(b, sig[:])
	if idx == -1 {
		t.Fatal("file header not found")
	}
	b = b[idx:]

	extraLen := binary.LittleEndian.Uint16(b[28:30])
	if extraLen != 0 {
		t.Errorf("local header extra-length = %d, want 0", extraLen)
	}
}

func TestWriterDirAttributes(t *testing.T) {
	var buf bytes.Buffer
	zw := NewWriter(&buf)
	if err := zw.Add(&FileHeader{Name: "dir/", Directory: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b := buf.Bytes()

	var sig [4]byte
	binary.LittleEndian.PutUint32(sig[:], uint32(fileHeaderSignature))
	idx := bytes.Index(b, sig[:])
	if idx == -1 {
		t.Fatal("file header not found")
	}
	b = b[idx:]

	if !bytes.Equal(b[6:10], []byte{0, 0, 0, 0}) { // flags: 0, method: Store
		t.Errorf("unexpected method and flags: %v", b[6:10])
	}
	if !bytes.Equal(b[14:26], make([]byte, 12)) { // crc, compressed, uncompressed all zero
		t.Errorf("unexpected crc/size fields: %v", b[14:26])
	}

	binary.LittleEndian.PutUint32(sig[:], uint32(dataDescriptorSignature))
	if bytes.Index(b, sig[:]) != -1 {
		t.Error("directory entries must not have a data descriptor")
	}
}
