package imagecache

import (
	"bytes"
	"strings"
)

// Magic numbers of the image formats the remote sources are known to serve.
var (
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	magicGIF  = []byte("GIF8")
	magicRIFF = []byte("RIFF")
	magicWEBP = []byte("WEBP")
)

// sniffFormat inspects leading bytes and returns the file extension for a
// recognized image format, or "" when nothing matches.
func sniffFormat(b []byte) string {
	switch {
	case bytes.HasPrefix(b, magicJPEG):
		return "jpg"
	case bytes.HasPrefix(b, magicPNG):
		return "png"
	case bytes.HasPrefix(b, magicGIF):
		return "gif"
	case len(b) >= 12 && bytes.HasPrefix(b, magicRIFF) && bytes.Equal(b[8:12], magicWEBP):
		return "webp"
	default:
		return ""
	}
}

// extFromContentType maps a declared image content-type to an extension.
func extFromContentType(ct string) string {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "webp"):
		return "webp"
	case strings.Contains(ct, "gif"):
		return "gif"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return "jpg"
	default:
		return ""
	}
}

func isImageContentType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/")
}
