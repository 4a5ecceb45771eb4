package accessor

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/otcheredev/ris-dicom-store/internal/compression"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// AnswerFile streams an attachment to an HTTP client. Single byte ranges are
// served for uncompressed attachments; gzip transfer is used when the client
// accepts it and no range was asked.
func (a *Accessor) AnswerFile(w http.ResponseWriter, r *http.Request, info models.FileInfo, mime string) error {
	ctx := r.Context()
	if mime == "" {
		mime = info.ContentType.MimeType()
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && info.CompressionType == models.CompressionNone {
		start, end, err := ParseRange(rangeHeader, info.UncompressedSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.UncompressedSize))
			return err
		}
		data, err := a.ReadRange(ctx, info, start, end)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, info.UncompressedSize))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		_, err = w.Write(data)
		return err
	}

	data, err := a.Read(ctx, info)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", mime)
	if info.CompressionType == models.CompressionNone {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") && len(data) > 0 {
		packed, err := compression.Gzip{}.Compress(data)
		if err == nil && len(packed) < len(data) {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Length", strconv.Itoa(len(packed)))
			_, err = w.Write(packed)
			return err
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, err = w.Write(data)
	return err
}

// ParseRange parses a single "bytes=" range into a half-open interval
func ParseRange(header string, size int64) (int64, int64, error) {
	byteRange, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(byteRange, ",") {
		return 0, 0, errcode.Newf(errcode.BadRange, "unsupported range %q", header)
	}
	first, last, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, errcode.Newf(errcode.BadRange, "malformed range %q", header)
	}

	var start, end int64
	switch {
	case first == "":
		// Suffix range: the last N bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errcode.Newf(errcode.BadRange, "malformed range %q", header)
		}
		if n > size {
			n = size
		}
		start, end = size-n, size
	default:
		s, err := strconv.ParseInt(first, 10, 64)
		if err != nil || s < 0 {
			return 0, 0, errcode.Newf(errcode.BadRange, "malformed range %q", header)
		}
		start, end = s, size
		if last != "" {
			l, err := strconv.ParseInt(last, 10, 64)
			if err != nil || l < s {
				return 0, 0, errcode.Newf(errcode.BadRange, "malformed range %q", header)
			}
			if l+1 < size {
				end = l + 1
			}
		}
	}

	if start >= size {
		return 0, 0, errcode.Newf(errcode.BadRange, "range %q starts past the %d bytes of the file", header, size)
	}
	return start, end, nil
}
