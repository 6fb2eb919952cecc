package gateway

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

var dataURLRe = regexp.MustCompile(`^data:(.+);base64,(.+)$`)

// DecodeDataURL parses a base64 data URL into an Image named product.<ext>.
func DecodeDataURL(s string) (*Image, error) {
	m := dataURLRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, ErrInvalidImage
	}
	mime := m[1]
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return &Image{
		Data:     data,
		MimeType: mime,
		FileName: "product." + extensionFor(mime),
	}, nil
}

func extensionFor(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return "png"
	case strings.Contains(mime, "gif"):
		return "gif"
	case strings.Contains(mime, "webp"):
		return "webp"
	default:
		return "jpg"
	}
}
