package channels

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxImageDim is the longest edge sent to chat platforms; larger images are
// downscaled to keep uploads fast and under platform size caps.
const maxImageDim = 1568

// PrepareImage downscales an image for outbound delivery when needed. It
// returns the path to send: the original when it is already small enough, or
// a resized copy next to it.
func PrepareImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim {
		return path, nil
	}

	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	out := resizedPath(path)
	if err := imaging.Save(resized, out); err != nil {
		return "", fmt.Errorf("save resized image: %w", err)
	}
	return out, nil
}

// IsImagePath reports whether a file looks like an image by extension.
func IsImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff":
		return true
	}
	return false
}

// MimeTypeForPath guesses an outbound mime type from the extension.
func MimeTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func resizedPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if ext == "" || !IsImagePath(path) {
		ext = ".jpg"
	}
	return base + ".resized" + ext
}

// CleanupResized removes a resized copy if PrepareImage created one.
func CleanupResized(original, sent string) {
	if sent != original {
		os.Remove(sent)
	}
}
