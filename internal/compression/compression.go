package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Compressor is a stateless codec
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

// ForType returns the codec used to store attachments of the given compression
func ForType(t models.CompressionType) (Compressor, error) {
	switch t {
	case models.CompressionNone:
		return None{}, nil
	case models.CompressionZlibWithSize:
		return ZlibWithSize{Level: zlib.DefaultCompression}, nil
	}
	return nil, errcode.Newf(errcode.NotImplemented, "unsupported compression type %d", int(t))
}

// None is the identity codec
type None struct{}

func (None) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (None) Uncompress(data []byte) ([]byte, error) {
	return data, nil
}

const sizePrefixLen = 8

// ZlibWithSize deflates the payload behind a little-endian 64-bit uncompressed size
type ZlibWithSize struct {
	Level int
}

func (z ZlibWithSize) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	var prefix [sizePrefixLen]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(data)))
	buf.Write(prefix[:])

	w, err := zlib.NewWriterLevel(&buf, z.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush zlib stream: %w", err)
	}
	return buf.Bytes(), nil
}

func (z ZlibWithSize) Uncompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	if len(data) < sizePrefixLen {
		return nil, errcode.New(errcode.CorruptedFile, "zlib stream shorter than its size prefix")
	}

	expected := binary.LittleEndian.Uint64(data[:sizePrefixLen])

	r, err := zlib.NewReader(bytes.NewReader(data[sizePrefixLen:]))
	if err != nil {
		return nil, errcode.Wrap(errcode.CorruptedFile, err, "bad zlib header")
	}
	defer r.Close()

	// Read one byte past the announced size so that a short prefix is detected
	out, err := io.ReadAll(io.LimitReader(r, int64(expected)+1))
	if err != nil {
		return nil, errcode.Wrap(errcode.CorruptedFile, err, "bad zlib stream")
	}
	if uint64(len(out)) != expected {
		return nil, errcode.Newf(errcode.CorruptedFile, "zlib size prefix announces %d bytes, stream holds at least %d", expected, len(out))
	}
	return out, nil
}

// UncompressedSize reads the size prefix of a ZlibWithSize payload
func UncompressedSize(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) < sizePrefixLen {
		return 0, errcode.New(errcode.CorruptedFile, "zlib stream shorter than its size prefix")
	}
	return binary.LittleEndian.Uint64(data[:sizePrefixLen]), nil
}

// Gzip is used for HTTP transfer encoding only
type Gzip struct {
	Level int
}

func (g Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

func (g Gzip) Uncompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errcode.Wrap(errcode.CorruptedFile, err, "bad gzip header")
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errcode.Wrap(errcode.CorruptedFile, err, "bad gzip stream")
	}
	return out, nil
}
