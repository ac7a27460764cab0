package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zombor/ocr-agent/internal/scanning"
)

// ErrBadInput is returned for a missing or invalid image or request shape
var ErrBadInput = errors.New("bad input")

// Provenance tags where an image came from
type Provenance string

const (
	ProvenanceUpload Provenance = "upload"
	ProvenanceCamera Provenance = "camera"
	ProvenanceFolder Provenance = "folder"
	ProvenanceCLI    Provenance = "cli"
)

// ParseProvenance accepts one of the known tags, case-insensitively
func ParseProvenance(s string) (Provenance, error) {
	p := Provenance(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProvenanceUpload, ProvenanceCamera, ProvenanceFolder, ProvenanceCLI:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown source %q", ErrBadInput, s)
}

// ImageInput is one image submitted to the pipeline. It cannot be changed
// after construction.
type ImageInput struct {
	data       []byte
	mimeType   string
	provenance Provenance
	name       string
}

// NewImageInput copies data into a new input
func NewImageInput(data []byte, mimeType string, provenance Provenance) (ImageInput, error) {
	if len(data) == 0 {
		return ImageInput{}, fmt.Errorf("%w: empty image", ErrBadInput)
	}
	if _, err := ParseProvenance(string(provenance)); err != nil {
		return ImageInput{}, err
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "image/png"
	}

	return ImageInput{
		data:       append([]byte(nil), data...),
		mimeType:   mimeType,
		provenance: provenance,
	}, nil
}

// ImageInputFromDataURL decodes a data:<mime>;base64,<payload> reference
func ImageInputFromDataURL(dataURL string, provenance Provenance) (ImageInput, error) {
	img, err := scanning.ParseDataURL(dataURL)
	if err != nil {
		return ImageInput{}, fmt.Errorf("%w: %w", ErrBadInput, err)
	}
	return NewImageInput(img.Data, img.MIMEType, provenance)
}

// ReadImageFile loads an image from disk, choosing the MIME type from the
// file extension
func ReadImageFile(path string, provenance Provenance) (ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageInput{}, fmt.Errorf("%w: reading %s: %w", ErrBadInput, path, err)
	}

	input, err := NewImageInput(data, scanning.MIMETypeForFilename(path), provenance)
	if err != nil {
		return ImageInput{}, err
	}
	input.name = filepath.Base(path)
	return input, nil
}

// Provenance returns the origin tag
func (i ImageInput) Provenance() Provenance { return i.provenance }

// MIMEType returns the MIME hint
func (i ImageInput) MIMEType() string { return i.mimeType }

// Name returns the source file name, if the input came from a file
func (i ImageInput) Name() string { return i.name }

// Size returns the payload length in bytes
func (i ImageInput) Size() int { return len(i.data) }

// image hands the payload to the scanner. The scanner only reads it.
func (i ImageInput) image() scanning.Image {
	return scanning.Image{Data: i.data, MIMEType: i.mimeType}
}
