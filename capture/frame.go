package capture

import "time"

// Frame is an application-owned copy of one delivered buffer.
//
// Pixels must not be modified once the frame is published; readers share
// the slice without copying.
type Frame struct {
	Pixels    []byte
	Format    StreamFormat
	Timestamp time.Time

	// Seq is assigned by FrameSink.Publish and increases by one per publication.
	Seq uint64
}

// NewFrame allocates a frame sized for format.
func NewFrame(format StreamFormat) *Frame {
	return &Frame{
		Pixels: make([]byte, format.FrameSize()),
		Format: format,
	}
}

// FrameView is a read-only borrow of a published frame.
type FrameView struct {
	f *Frame
}

// Pixels returns the frame bytes. Callers must treat them as read-only.
func (v FrameView) Pixels() []byte { return v.f.Pixels }

func (v FrameView) Format() StreamFormat { return v.f.Format }

func (v FrameView) Width() int { return int(v.f.Format.Width) }

func (v FrameView) Height() int { return int(v.f.Format.Height) }

func (v FrameView) Seq() uint64 { return v.f.Seq }

func (v FrameView) Timestamp() time.Time { return v.f.Timestamp }

// Clone copies the view into a frame the caller may keep and modify.
func (v FrameView) Clone() *Frame {
	c := *v.f
	c.Pixels = append([]byte(nil), v.f.Pixels...)
	return &c
}
