package zipflow

import "errors"

var (
	// ErrBadFormat is returned by NewReader and entry decoding when the
	// blob does not parse as a ZIP archive: no End Of Central Directory
	// record found within the trailing comment window, a truncated or
	// inconsistent ZIP64 locator/record, or a central directory entry
	// whose fixed fields don't leave room for its own name/extra/comment.
	ErrBadFormat = errors.New("zipflow: not a valid zip archive")

	// ErrDuplicateName is returned by Writer.Add when the archive already
	// contains an entry with the same Name.
	ErrDuplicateName = errors.New("zipflow: duplicate entry name")

	// ErrUnsupportedMethod is returned when an entry was stored with a
	// compression method other than Store or Deflate.
	ErrUnsupportedMethod = errors.New("zipflow: unsupported compression method")

	// errWriterClosed is returned by Add/SetComment once the Writer's
	// central directory has already been written out. A repeated Close
	// returns nil.
	errWriterClosed = errors.New("zipflow: writer closed")
)
