package fetch

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/webp"

	"github.com/lucasnoah/imgmigrate/internal/publish"
)

// FormatUnknown is reported for files whose signature is not recognised.
// Such files are allowed through; the destination makes the final call.
const FormatUnknown = "unknown"

var signatures = []struct {
	magic  []byte
	format string
}{
	{[]byte("\x89PNG\r\n\x1a\n"), "png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "jpeg"},
	{[]byte("GIF87a"), "gif"},
	{[]byte("GIF89a"), "gif"},
}

// Sniff identifies an image format from its leading bytes.
func Sniff(header []byte) string {
	for _, s := range signatures {
		if bytes.HasPrefix(header, s.magic) {
			return s.format
		}
	}
	if len(header) >= 12 && string(header[:4]) == "RIFF" && string(header[8:12]) == "WEBP" {
		return "webp"
	}
	return FormatUnknown
}

// Validate checks that path holds a non-empty image. Recognised formats must
// also decode their header. The detected format is returned.
func Validate(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", publish.Permanent(fmt.Errorf("invalid image file: %w", err))
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if n == 0 {
		return "", publish.Permanent(fmt.Errorf("invalid image file: %s is empty", path))
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", publish.Permanent(fmt.Errorf("invalid image file: %w", err))
	}

	format := Sniff(header[:n])
	if format == FormatUnknown {
		return format, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek %s: %w", path, err)
	}
	if _, _, err := image.DecodeConfig(f); err != nil {
		return "", publish.Permanent(fmt.Errorf("invalid image file: %s header: %w", format, err))
	}
	return format, nil
}
