package sandbox

import (
	"bytes"
	"image"

	// Register decoders for the binary image formats we classify.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Magic-byte headers for the supported binary image formats.
// Classification deliberately does not trust file extensions.
var (
	magicPNG  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicGIF7 = []byte("GIF87a")
	magicGIF9 = []byte("GIF89a")
)

// sniffImageMIME returns the image MIME type for known magic bytes, or
// an empty string when data is not a recognized image format.
func sniffImageMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicPNG):
		return "image/png"
	case bytes.HasPrefix(data, magicJPEG):
		return "image/jpeg"
	case bytes.HasPrefix(data, magicGIF7), bytes.HasPrefix(data, magicGIF9):
		return "image/gif"
	default:
		return ""
	}
}

// imageDimensions extracts pixel bounds from the format header without
// decoding the full image.
func imageDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
