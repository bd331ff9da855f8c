package capture

import "context"

// Source is a screen capture backend: it negotiates access to a video
// source, then fills its FrameSink while the host keeps calling Tick.
type Source interface {
	// Start acquires permission and connects the stream. On error nothing
	// acquired along the way is left open.
	Start(ctx context.Context) error

	// Tick advances the backend by one non-blocking iteration. A non-nil
	// error is fatal; the host should call Stop.
	Tick() error

	// Stop releases everything. Calling it again is a no-op.
	Stop() error

	Frames() *FrameSink
}

// Display presents frames. It gives no feedback besides a quit request.
type Display interface {
	Consume(FrameView)
	QuitRequested() bool
}

// Presenter drives a Source on behalf of a host loop and forwards each new
// frame to a Display exactly once.
type Presenter struct {
	src  Source
	dst  Display
	last uint64
}

func NewPresenter(src Source, dst Display) *Presenter {
	return &Presenter{src: src, dst: dst}
}

// Step runs one host-loop iteration. done is true when the display asked to
// quit or the source failed.
func (p *Presenter) Step() (done bool, err error) {
	if p.dst.QuitRequested() {
		return true, nil
	}
	if err := p.src.Tick(); err != nil {
		return true, err
	}
	if v, ok := p.src.Frames().Latest(); ok && v.Seq() != p.last {
		p.last = v.Seq()
		p.dst.Consume(v)
	}
	return false, nil
}
