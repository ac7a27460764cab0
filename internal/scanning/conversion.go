package scanning

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrInvalidDataURL is returned when an inline image reference cannot be decoded
var ErrInvalidDataURL = errors.New("invalid image data url")

// defaultMIMEType is used when a filename extension is not recognized
const defaultMIMEType = "image/png"

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".heif": "image/heif",
	".pdf":  "application/pdf",
}

// Image is an image payload with its MIME type
type Image struct {
	Data     []byte
	MIMEType string
}

// MIMETypeForFilename guesses a MIME type from the file extension
func MIMETypeForFilename(filename string) string {
	if mimeType, ok := mimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mimeType
	}
	return defaultMIMEType
}

// DataURL encodes the image as a data URL so it can be sent inline
func DataURL(img Image) string {
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(img.Data))
}

// ParseDataURL decodes a base64 data URL such as "data:image/png;base64,...."
func ParseDataURL(dataURL string) (Image, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing payload", ErrInvalidDataURL)
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return Image{}, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrInvalidDataURL, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty payload", ErrInvalidDataURL)
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}

// PrepareImage converts formats vision models rarely accept (PDF, HEIC/HEIF)
// to PNG. Everything else is passed through untouched.
func PrepareImage(img Image) (Image, error) {
	mimeType := strings.ToLower(strings.TrimSpace(img.MIMEType))
	if mimeType == "" {
		mimeType = defaultMIMEType
	}

	switch {
	case mimeType == "application/pdf":
		data, err := pdfToPNG(img.Data)
		if err != nil {
			return Image{}, fmt.Errorf("converting PDF to image: %w", err)
		}
		return Image{Data: data, MIMEType: "image/png"}, nil
	case isHEICFormat(img.Data) || isHEICMimeType(mimeType):
		data, err := heicToPNG(img.Data)
		if err != nil {
			return Image{}, fmt.Errorf("converting HEIC to PNG: %w", err)
		}
		return Image{Data: data, MIMEType: "image/png"}, nil
	}

	return Image{Data: img.Data, MIMEType: mimeType}, nil
}

// pdfToPNG renders the first page of a PDF as PNG
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// heicToPNG decodes HEIC/HEIF (common on iPhones) with the pure Go decoder
func heicToPNG(data []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
