package detector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrEmptyImage is returned when there is no image payload to work with.
var ErrEmptyImage = errors.New("no image to detect")

// Region is an axis-aligned bounding box in image pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Face is one detected face region plus the eyes found inside it.
// Eye coordinates are relative to the face region.
type Face struct {
	Region
	Eyes []Region `json:"eyes"`
}

// Result is the outcome of a single detection request. An empty Faces slice is
// a valid "no faces detected" answer.
type Result struct {
	Faces          []Face `json:"faces"`
	ImageWidth     int    `json:"imageWidth,omitempty"`
	ImageHeight    int    `json:"imageHeight,omitempty"`
	AnnotatedImage string `json:"annotatedImage,omitempty"`
}

// FaceCount returns the number of detected faces.
func (r *Result) FaceCount() int {
	if r == nil {
		return 0
	}
	return len(r.Faces)
}

// TotalEyes sums the eyes across every face.
func (r *Result) TotalEyes() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, face := range r.Faces {
		total += len(face.Eyes)
	}
	return total
}

// HasAnnotatedImage reports whether the service returned an overlay image.
func (r *Result) HasAnnotatedImage() bool {
	return r != nil && r.AnnotatedImage != ""
}

// AnnotatedDataURL renders the annotated JPEG as a data URL.
func (r *Result) AnnotatedDataURL() string {
	if !r.HasAnnotatedImage() {
		return ""
	}
	return "data:image/jpeg;base64," + r.AnnotatedImage
}

// DecodeAnnotatedImage returns the raw JPEG bytes of the annotated image.
func (r *Result) DecodeAnnotatedImage() ([]byte, error) {
	if !r.HasAnnotatedImage() {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(r.AnnotatedImage)
	if err != nil {
		return nil, fmt.Errorf("decode annotated image: %w", err)
	}
	return data, nil
}

// Image is an uploaded binary payload destined for the detection service.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Empty reports whether there is nothing to send.
func (i *Image) Empty() bool {
	return i == nil || len(i.Data) == 0
}

// Client exposes the remote detection service operations used by the session.
type Client interface {
	DetectFaces(ctx context.Context, image *Image) (*Result, error)
	StopCamera(ctx context.Context) error
	StreamURL(token string) string
	OpenStream(ctx context.Context, token string) (contentType string, body io.ReadCloser, err error)
}
