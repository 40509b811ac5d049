package llm

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
)

// ImageDataURL inlines a rendered page image for a vision request. The media
// type is sniffed from the file contents.
func ImageDataURL(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read page image: %w", err)
	}
	mt := http.DetectContentType(b)
	switch mt {
	case "image/png", "image/jpeg":
	default:
		return "", fmt.Errorf("page image %s: unsupported media type %s", path, mt)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}
