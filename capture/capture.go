package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotImplemented       = errors.New("screen capture backend is not implemented on this platform")
	ErrBrokerTimeout        = errors.New("portal request timed out")
	ErrPermissionDenied     = errors.New("screen capture permission denied")
	ErrTransportUnavailable = errors.New("capture transport unavailable")
	ErrFormatMismatch       = errors.New("buffer does not match negotiated format")
	ErrSessionClosed        = errors.New("portal session was closed")
	ErrInvalidState         = errors.New("operation not valid in current state")
	ErrNoStreams            = errors.New("screen capture returned no streams")
	ErrInvalidOptions       = errors.New("invalid screen capture options")
)

// NegotiationError reports a failed portal handshake step.
type NegotiationError struct {
	Step   string
	Status uint32
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (response status %d)", e.Step, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// StreamError is a fatal error raised while a stream is running.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// SourceHandle identifies a capturable video source (the media server node id).
type SourceHandle uint32

// PixelLayout is the memory order of one pixel.
type PixelLayout uint8

const (
	PixelUnknown PixelLayout = iota
	PixelRGBA8
	PixelBGRA8
	PixelRGBX8
	PixelBGRX8
)

var pixelLayoutNames = map[PixelLayout]string{
	PixelRGBA8: "RGBA8",
	PixelBGRA8: "BGRA8",
	PixelRGBX8: "RGBX8",
	PixelBGRX8: "BGRX8",
}

// PixelLayouts lists every supported layout in default preference order.
var PixelLayouts = []PixelLayout{PixelRGBA8, PixelBGRA8, PixelRGBX8, PixelBGRX8}

func (l PixelLayout) String() string {
	if name, ok := pixelLayoutNames[l]; ok {
		return name
	}
	return fmt.Sprintf("PixelLayout(%d)", uint8(l))
}

// BytesPerPixel returns 0 for layouts this package cannot copy.
func (l PixelLayout) BytesPerPixel() int {
	switch l {
	case PixelRGBA8, PixelBGRA8, PixelRGBX8, PixelBGRX8:
		return 4
	default:
		return 0
	}
}

// BlueFirst reports whether the red and blue channels are swapped relative to RGBA.
func (l PixelLayout) BlueFirst() bool {
	return l == PixelBGRA8 || l == PixelBGRX8
}

// ParsePixelLayout accepts the names produced by String, case-insensitively.
func ParsePixelLayout(s string) (PixelLayout, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for l, name := range pixelLayoutNames {
		if name == want {
			return l, nil
		}
	}
	return PixelUnknown, fmt.Errorf("%w: unknown pixel layout %q", ErrInvalidOptions, s)
}

// StreamFormat describes raw video as negotiated with the media server.
type StreamFormat struct {
	Layout       PixelLayout
	Width        uint32
	Height       uint32
	FrameRateNum uint32
	FrameRateDen uint32
}

// DefaultFormat is the proposal used when nothing else is configured.
var DefaultFormat = StreamFormat{
	Layout:       PixelRGBA8,
	Width:        1920,
	Height:       1080,
	FrameRateNum: 30,
	FrameRateDen: 1,
}

// FrameSize is width*height*bytes-per-pixel, or 0 if the layout is unsupported.
func (f StreamFormat) FrameSize() int {
	return int(f.Width) * int(f.Height) * f.Layout.BytesPerPixel()
}

// Stride is the tightly packed row length in bytes.
func (f StreamFormat) Stride() int {
	return int(f.Width) * f.Layout.BytesPerPixel()
}

// SameGeometry reports whether two formats produce identically sized frames.
func (f StreamFormat) SameGeometry(o StreamFormat) bool {
	return f.Width == o.Width && f.Height == o.Height && f.Layout.BytesPerPixel() == o.Layout.BytesPerPixel()
}

func (f StreamFormat) Validate() error {
	if f.Layout.BytesPerPixel() == 0 {
		return fmt.Errorf("%w: unsupported pixel layout %s", ErrInvalidOptions, f.Layout)
	}
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrInvalidOptions, f.Width, f.Height)
	}
	if f.FrameRateNum == 0 || f.FrameRateDen == 0 {
		return fmt.Errorf("%w: invalid frame rate %d/%d", ErrInvalidOptions, f.FrameRateNum, f.FrameRateDen)
	}
	return nil
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%s %dx%d@%d/%d", f.Layout, f.Width, f.Height, f.FrameRateNum, f.FrameRateDen)
}

// Candidates expands a target into the ordered proposal list: the target's
// layout first, then every other supported layout at the same size and rate.
func (f StreamFormat) Candidates() []StreamFormat {
	out := []StreamFormat{f}
	for _, l := range PixelLayouts {
		if l == f.Layout {
			continue
		}
		c := f
		c.Layout = l
		out = append(out, c)
	}
	return out
}
