// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package zipflow provides a streaming ZIP writer and a lazy, random-access
ZIP reader. Writer never seeks: every entry is framed with a data
descriptor instead of a patched-up local header, so an archive can be
produced straight onto an io.Writer such as an HTTP response body before
the final size of any entry is known. Reader parses only the end-of-
central-directory record and central directory up front; entry bodies are
read on demand through an io.ReaderAt, which may span a local file, an
in-memory buffer, or a remote object fetched by range request.

Both sides promote to ZIP64 automatically wherever a classic field would
have to hold its sentinel value or more: per entry when size or offset
reaches 0xFFFFFFFF, and per archive when the entry count reaches 0xFFFF
or the central directory size or offset reaches 0xFFFFFFFF.

See: https://www.pkware.com/appnote

This package does not support disk spanning or encryption.
*/
package zipflow
