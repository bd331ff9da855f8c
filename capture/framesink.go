package capture

import (
	"log/slog"
	"sync/atomic"
	"time"

	"go2tv.app/portalcapture/internal/logging"
)

// FrameSink is a single-slot, latest-wins hand-off between the stream
// callback and the display. Publish never blocks and never queues: an
// unconsumed frame is replaced and counted as overwritten.
//
// Publish and Latest may be called from different goroutines. The slot is
// swapped as one pointer, so a reader sees either the old frame or the new
// one, never a mix of the two.
type FrameSink struct {
	slot atomic.Pointer[Frame]

	seq         atomic.Uint64
	consumed    atomic.Uint64
	overwritten atomic.Uint64
	lastDropLog atomic.Int64

	log *slog.Logger
}

func NewFrameSink(log *slog.Logger) *FrameSink {
	return &FrameSink{log: logging.OrDiscard(log)}
}

// Publish hands f to readers. f must not be modified afterwards.
func (s *FrameSink) Publish(f *Frame) {
	if f == nil {
		return
	}
	f.Seq = s.seq.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	prev := s.slot.Swap(f)
	if prev != nil && prev.Seq > s.consumed.Load() {
		total := s.overwritten.Add(1)
		if logging.Every(&s.lastDropLog, time.Second) {
			s.log.Debug("frame overwritten before read", "seq", prev.Seq, "total", total)
		}
	}
}

// Latest returns a view of the newest frame, or false if nothing has been
// published yet.
func (s *FrameSink) Latest() (FrameView, bool) {
	f := s.slot.Load()
	if f == nil {
		return FrameView{}, false
	}
	for {
		c := s.consumed.Load()
		if f.Seq <= c || s.consumed.CompareAndSwap(c, f.Seq) {
			break
		}
	}
	return FrameView{f: f}, true
}

// Published is the number of frames handed to Publish.
func (s *FrameSink) Published() uint64 { return s.seq.Load() }

// Overwritten is the number of frames replaced before any reader saw them.
func (s *FrameSink) Overwritten() uint64 { return s.overwritten.Load() }
