// Package media describes the images accepted by the upload workflow and
// decides whether a candidate file may enter it.
package media

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	TypePNG  = "image/png"
	TypeJPEG = "image/jpeg"
)

// ErrInvalidFileType is returned for anything that is not a PNG or JPEG.
var ErrInvalidFileType = errors.New("invalid file type")

// ErrEmptyFile is returned when the upload carries no bytes.
var ErrEmptyFile = errors.New("empty file")

var acceptedExtensions = map[string]string{
	".png":  TypePNG,
	".jpg":  TypeJPEG,
	".jpeg": TypeJPEG,
}

// Image is a file chosen by the user.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the number of bytes held by the image.
func (i Image) Size() int {
	return len(i.Data)
}

// Accepted reports whether contentType is one of the accepted media types.
// Parameters such as "; charset=" are ignored.
func Accepted(contentType string) bool {
	switch normalize(contentType) {
	case TypePNG, TypeJPEG:
		return true
	}
	return false
}

// Validate checks declared type, file extension and sniffed content and
// returns a normalized Image. An empty declared type is taken from the
// sniffed content.
func Validate(name, declaredType string, data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, ErrEmptyFile
	}

	sniffed := normalize(mimetype.Detect(data).String())
	if !Accepted(sniffed) {
		return Image{}, fmt.Errorf("%w: content is %s", ErrInvalidFileType, sniffed)
	}

	declared := normalize(declaredType)
	if declared == "" || declared == "application/octet-stream" {
		declared = sniffed
	}
	if !Accepted(declared) {
		return Image{}, fmt.Errorf("%w: declared %s", ErrInvalidFileType, declared)
	}
	if declared != sniffed {
		return Image{}, fmt.Errorf("%w: declared %s but content is %s", ErrInvalidFileType, declared, sniffed)
	}

	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		if _, ok := acceptedExtensions[ext]; !ok {
			return Image{}, fmt.Errorf("%w: extension %s", ErrInvalidFileType, ext)
		}
	}

	return Image{Name: filepath.Base(name), ContentType: declared, Data: data}, nil
}

func normalize(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "image/jpg" || ct == "image/pjpeg" {
		return TypeJPEG
	}
	return ct
}
