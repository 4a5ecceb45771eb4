package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// hierarchicalWriter writes a ZIP whose entries live in a stack of
// directories. Names are reduced to a portable alphabet and made unique
// within their directory.
type hierarchicalWriter struct {
	zw    *zip.Writer
	out   *trailerWriter
	zip64 bool
	stack []*zipDirectory
	now   time.Time
}

type zipDirectory struct {
	name    string
	content map[string]int
}

// newHierarchicalWriter starts an archive on w. With zip64 set, the
// directory end is always written in the ZIP64 format, whatever the size.
func newHierarchicalWriter(w io.Writer, zip64 bool) *hierarchicalWriter {
	out := &trailerWriter{w: w}
	return &hierarchicalWriter{
		zw:    zip.NewWriter(out),
		out:   out,
		zip64: zip64,
		stack: []*zipDirectory{{content: make(map[string]int)}},
		now:   time.Now(),
	}
}

func (h *hierarchicalWriter) uniqueName(name string) string {
	standardized := keepAlphanumeric(name)
	dir := h.stack[len(h.stack)-1]
	dir.content[standardized]++
	if n := dir.content[standardized]; n > 1 {
		return standardized + "-" + strconv.Itoa(n)
	}
	return standardized
}

func (h *hierarchicalWriter) currentPath() string {
	var b strings.Builder
	for _, d := range h.stack[1:] {
		b.WriteString(d.name)
		b.WriteByte('/')
	}
	return b.String()
}

func (h *hierarchicalWriter) openDirectory(name string) {
	unique := h.uniqueName(name)
	h.stack = append(h.stack, &zipDirectory{name: unique, content: make(map[string]int)})
}

func (h *hierarchicalWriter) closeDirectory() {
	if len(h.stack) > 1 {
		h.stack = h.stack[:len(h.stack)-1]
	}
}

// writeFile adds a deflated entry in the current directory and returns its path
func (h *hierarchicalWriter) writeFile(name string, data []byte) (string, error) {
	path := h.currentPath() + h.uniqueName(name)
	w, err := h.zw.CreateHeader(&zip.FileHeader{
		Name:     path,
		Method:   zip.Deflate,
		Modified: h.now,
	})
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	return path, nil
}

func (h *hierarchicalWriter) close() error {
	if !h.zip64 {
		return h.zw.Close()
	}
	if err := h.zw.Flush(); err != nil {
		return err
	}
	h.out.tail = new(bytes.Buffer)
	if err := h.zw.Close(); err != nil {
		return err
	}
	return h.out.finishZip64()
}

const (
	directoryEndSignature   = 0x06054b50
	zip64EndSignature       = 0x06064b50
	zip64LocatorSignature   = 0x07064b50
	directoryEndLength      = 22
	zip64EndLength          = 56
	zip64LocatorLength      = 20
	zip64VersionNeeded      = 45
	directoryOffsetOverflow = 0xffffffff
)

var errBadDirectoryEnd = errors.New("zip: unexpected end of central directory")

// trailerWriter passes writes through to w until tail is set, then holds
// the rest of the archive back so the directory end can be rewritten
type trailerWriter struct {
	w    io.Writer
	tail *bytes.Buffer
}

func (t *trailerWriter) Write(p []byte) (int, error) {
	if t.tail != nil {
		return t.tail.Write(p)
	}
	return t.w.Write(p)
}

// finishZip64 replaces a classic end of central directory record with a
// ZIP64 end record, its locator and an end record pointing at them
func (t *trailerWriter) finishZip64() error {
	tail := t.tail.Bytes()
	t.tail = nil

	if len(tail) < directoryEndLength {
		return errBadDirectoryEnd
	}
	end := tail[len(tail)-directoryEndLength:]
	if binary.LittleEndian.Uint32(end) != directoryEndSignature {
		return errBadDirectoryEnd
	}
	records := uint64(binary.LittleEndian.Uint16(end[10:]))
	directorySize := uint64(binary.LittleEndian.Uint32(end[12:]))
	directoryOffset := uint64(binary.LittleEndian.Uint32(end[16:]))

	hasLocator := len(tail) >= directoryEndLength+zip64LocatorLength &&
		binary.LittleEndian.Uint32(tail[len(tail)-directoryEndLength-zip64LocatorLength:]) == zip64LocatorSignature
	if hasLocator || directoryOffset == directoryOffsetOverflow {
		// The archive outgrew the classic format by itself
		_, err := t.Write(tail)
		return err
	}

	if _, err := t.Write(tail[:len(tail)-directoryEndLength]); err != nil {
		return err
	}

	trailer := make([]byte, zip64EndLength+zip64LocatorLength+directoryEndLength)
	b := trailer
	binary.LittleEndian.PutUint32(b[0:], zip64EndSignature)
	binary.LittleEndian.PutUint64(b[4:], zip64EndLength-12)
	binary.LittleEndian.PutUint16(b[12:], zip64VersionNeeded)
	binary.LittleEndian.PutUint16(b[14:], zip64VersionNeeded)
	binary.LittleEndian.PutUint64(b[24:], records)
	binary.LittleEndian.PutUint64(b[32:], records)
	binary.LittleEndian.PutUint64(b[40:], directorySize)
	binary.LittleEndian.PutUint64(b[48:], directoryOffset)

	b = trailer[zip64EndLength:]
	binary.LittleEndian.PutUint32(b[0:], zip64LocatorSignature)
	binary.LittleEndian.PutUint64(b[8:], directoryOffset+directorySize)
	binary.LittleEndian.PutUint32(b[16:], 1)

	b = trailer[zip64EndLength+zip64LocatorLength:]
	binary.LittleEndian.PutUint32(b[0:], directoryEndSignature)
	binary.LittleEndian.PutUint16(b[8:], 0xffff)
	binary.LittleEndian.PutUint16(b[10:], 0xffff)
	binary.LittleEndian.PutUint32(b[12:], 0xffffffff)
	binary.LittleEndian.PutUint32(b[16:], directoryOffsetOverflow)

	_, err := t.Write(trailer)
	return err
}

// keepAlphanumeric maps carets to spaces, collapses whitespace and keeps
// letters, digits, dots, dashes and underscores
func keepAlphanumeric(source string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range source {
		if r == '^' {
			r = ' '
		}
		if r > 127 {
			continue
		}
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
