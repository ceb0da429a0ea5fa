package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/wayfare/internal/geo"
)

// Frame types sent by a device over the tracking socket.
const (
	FrameSample = "sample"
	FrameError  = "error"
	FrameStop   = "stop"
)

// Frame decoding errors.
var (
	ErrInvalidFrame     = errors.New("invalid tracking frame")
	ErrUnknownFrameType = errors.New("unknown tracking frame type")
)

// Frame is one device message. JSON arrives as text frames, CBOR as binary
// frames; both use the same field names.
type Frame struct {
	Type string `json:"type" cbor:"type"`
	// Lat and Lng are pointers so a missing coordinate is not read as 0.
	Lat      *float64 `json:"lat,omitempty" cbor:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty" cbor:"lng,omitempty"`
	Accuracy float64  `json:"accuracy,omitempty" cbor:"accuracy,omitempty"`
	// CapturedAt is unix milliseconds; zero means "now".
	CapturedAt int64 `json:"captured_at,omitempty" cbor:"captured_at,omitempty"`
	Code       int   `json:"code,omitempty" cbor:"code,omitempty"`
}

// DecodeFrame parses a text (JSON) or binary (CBOR) frame and validates it.
func DecodeFrame(binary bool, data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrInvalidFrame
	}

	var f Frame
	var err error
	if binary {
		err = cbor.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch f.Type {
	case FrameSample:
		if f.Lat == nil || f.Lng == nil {
			return nil, fmt.Errorf("%w: sample requires lat and lng", ErrInvalidFrame)
		}
		if !(geo.Point{Lat: *f.Lat, Lng: *f.Lng}).Valid() {
			return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidFrame)
		}
	case FrameError, FrameStop:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return &f, nil
}

// Sample converts a sample frame. now fills a missing capture time.
func (f *Frame) Sample(now time.Time) Sample {
	s := Sample{Accuracy: f.Accuracy, CapturedAt: now}
	if f.Lat != nil {
		s.Latitude = *f.Lat
	}
	if f.Lng != nil {
		s.Longitude = *f.Lng
	}
	if f.CapturedAt > 0 {
		s.CapturedAt = time.UnixMilli(f.CapturedAt).UTC()
	}
	return s
}

// PositionError converts an error frame; unknown codes become CodePositionUnavailable.
func (f *Frame) PositionError() *PositionError {
	code := PositionErrorCode(f.Code)
	switch code {
	case CodePermissionDenied, CodePositionUnavailable, CodeTimeout:
	default:
		code = CodePositionUnavailable
	}
	return &PositionError{Code: code}
}
