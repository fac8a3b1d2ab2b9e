package session

import (
	"encoding/base64"
	"fmt"

	"github.com/example/facefinder/internal/detector"
	"github.com/example/facefinder/internal/livefeed"
)

// Mode is the view the session is in. Exactly one is active.
type Mode int

const (
	Idle Mode = iota
	ImageMode
	LiveMode
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case ImageMode:
		return "image"
	case LiveMode:
		return "live"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText renders the mode by name in JSON.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UploadedImage is the user's selection plus its locally derived preview.
type UploadedImage struct {
	detector.Image
	Preview   string
	RequestID string
}

func newUploadedImage(image detector.Image, requestID string) *UploadedImage {
	contentType := image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &UploadedImage{
		Image:     image,
		Preview:   "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image.Data),
		RequestID: requestID,
	}
}

// State is one immutable snapshot of a session. A nil Result means no answer
// yet; a Result with no faces is a valid answer.
type State struct {
	Mode       Mode
	Image      *UploadedImage
	Result     *detector.Result
	Processing bool
	Error      string
	Live       livefeed.Session
	// Seq increases with every user-initiated operation. Asynchronous
	// resolutions only apply while it still matches the value they were issued under.
	Seq uint64
}

// DisplayImage is the image the presentation should show: the annotated image
// once available, otherwise the local preview.
func (s State) DisplayImage() string {
	if s.Mode != ImageMode {
		return ""
	}
	if s.Result.HasAnnotatedImage() {
		return s.Result.AnnotatedDataURL()
	}
	if s.Image != nil {
		return s.Image.Preview
	}
	return ""
}

// DisplayImageBytes returns the raw bytes behind DisplayImage.
func (s State) DisplayImageBytes() (string, []byte, error) {
	if s.Mode != ImageMode {
		return "", nil, nil
	}
	if s.Result.HasAnnotatedImage() {
		data, err := s.Result.DecodeAnnotatedImage()
		return "image/jpeg", data, err
	}
	if s.Image != nil {
		return s.Image.ContentType, s.Image.Data, nil
	}
	return "", nil, nil
}

// Summary is the one-line detection status shown under the image.
func (s State) Summary() string {
	faces := s.Result.FaceCount()
	switch {
	case faces == 1:
		return "1 face detected"
	case faces > 1:
		return fmt.Sprintf("%d faces detected", faces)
	case s.Processing:
		return "Processing..."
	default:
		return "No faces detected"
	}
}

type event interface{ isEvent() }

type imageSelected struct{ image *UploadedImage }

type detectSucceeded struct {
	seq    uint64
	result *detector.Result
}

type detectFailed struct {
	seq     uint64
	message string
}

type liveStarted struct{ session livefeed.Session }

type liveStopped struct{}

type stopFailed struct {
	seq     uint64
	message string
}

type imageReset struct{}

func (imageSelected) isEvent()   {}
func (detectSucceeded) isEvent() {}
func (detectFailed) isEvent()    {}
func (liveStarted) isEvent()     {}
func (liveStopped) isEvent()     {}
func (stopFailed) isEvent()      {}
func (imageReset) isEvent()      {}

// transition is the only place a State is derived from its predecessor.
func transition(s State, ev event) State {
	switch ev := ev.(type) {
	case imageSelected:
		return State{
			Mode:       ImageMode,
			Image:      ev.image,
			Processing: true,
			Seq:        s.Seq + 1,
		}

	case detectSucceeded:
		if s.Mode != ImageMode || ev.seq != s.Seq {
			return s
		}
		s.Result = ev.result
		s.Processing = false
		s.Error = ""
		return s

	case detectFailed:
		if s.Mode != ImageMode || ev.seq != s.Seq {
			return s
		}
		s.Error = ev.message
		s.Processing = false
		return s

	case liveStarted:
		return State{
			Mode: LiveMode,
			Live: ev.session,
			Seq:  s.Seq + 1,
		}

	case liveStopped:
		return State{Mode: Idle, Seq: s.Seq + 1}

	case stopFailed:
		if ev.seq != s.Seq {
			return s
		}
		s.Error = ev.message
		return s

	case imageReset:
		return State{Mode: Idle, Seq: s.Seq + 1}
	}
	return s
}

// stale reports whether an asynchronous resolution issued under seq was superseded.
func stale(s State, seq uint64) bool {
	return s.Seq != seq
}
