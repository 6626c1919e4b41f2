package resource

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
)

// DefaultMaxUploadBytes is the size ceiling applied when none is configured.
const DefaultMaxUploadBytes = 100 << 20

// Upload is a binary attachment submitted with a create request.
type Upload struct {
	Filename    string
	ContentType string
	// Size is the declared size in bytes, or a negative value when unknown.
	Size int64
	Body io.Reader
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flv":  "video/x-flv",
}

// VideoContentType returns the MIME type for a video file name, falling back to
// video/mp4 for names without a known extension.
func VideoContentType(name string) string {
	if ct, ok := videoTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "video/mp4"
}

// extension returns the canonical extension for the upload, preferring the
// file name and falling back to the declared MIME type. It returns "" when
// neither matches an accepted container.
func (u *Upload) extension() string {
	ext := strings.ToLower(filepath.Ext(u.Filename))
	if _, ok := videoTypes[ext]; ok {
		return ext
	}
	mediaType, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil {
		return ""
	}
	for ext, ct := range videoTypes {
		if mediaType == ct {
			return ext
		}
	}
	return ""
}

func checkUpload(u *Upload, maxBytes int64) (ext string, err error) {
	ext = u.extension()
	if ext == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileType, u.Filename)
	}
	if u.Size > maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrFileTooLarge, u.Size, maxBytes)
	}
	return ext, nil
}

// limitedReader fails with ErrFileTooLarge once more than n bytes are read,
// so a body that lied about its size is still cut off.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, ErrFileTooLarge
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return n, ErrFileTooLarge
	}
	return n, err
}
