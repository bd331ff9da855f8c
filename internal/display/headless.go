package display

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/logging"
)

// Headless consumes frames without a window. Every Nth frame is hashed and
// logged; a frame whose digest equals the previous sample counts as
// unchanged, which makes a frozen source visible in the logs.
type Headless struct {
	ctx       context.Context
	log       *slog.Logger
	every     int
	maxFrames int

	frames    int
	unchanged int
	last      [32]byte
	sampled   bool
}

type HeadlessOptions struct {
	// DigestEvery is the sampling period in frames; values below 1 mean 1.
	DigestEvery int
	// MaxFrames requests quit after that many frames; 0 means unlimited.
	MaxFrames int
	Logger    *slog.Logger
}

// NewHeadless asks to quit when ctx is done.
func NewHeadless(ctx context.Context, opts HeadlessOptions) *Headless {
	return &Headless{
		ctx:       ctx,
		log:       logging.OrDiscard(opts.Logger).With("component", "headless"),
		every:     max(opts.DigestEvery, 1),
		maxFrames: opts.MaxFrames,
	}
}

func (h *Headless) Consume(v capture.FrameView) {
	h.frames++
	if (h.frames-1)%h.every != 0 {
		return
	}
	sum := blake3.Sum256(v.Pixels())
	if h.sampled && sum == h.last {
		h.unchanged++
	}
	h.last = sum
	h.sampled = true
	h.log.Info("frame",
		"seq", v.Seq(),
		"format", v.Format().String(),
		"blake3", hex.EncodeToString(sum[:8]),
		"unchanged", h.unchanged,
	)
}

func (h *Headless) QuitRequested() bool {
	if h.maxFrames > 0 && h.frames >= h.maxFrames {
		return true
	}
	return h.ctx.Err() != nil
}

// Frames is the number of frames consumed.
func (h *Headless) Frames() int { return h.frames }

// Unchanged is the number of sampled frames identical to the sample before.
func (h *Headless) Unchanged() int { return h.unchanged }

// Run calls step every interval until it reports done.
func (h *Headless) Run(interval time.Duration, step func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := step()
		if done || err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-h.ctx.Done():
		}
	}
}

var _ capture.Display = (*Headless)(nil)
