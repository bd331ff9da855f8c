// Package stream turns a media server source into published frames.
//
// A Client owns one Transport. Notifications arrive on the caller's
// goroutine from inside Iterate, so the client needs no locking of its own;
// the only state shared with other goroutines is the FrameSink.
//
// For every buffer-ready notification exactly one buffer is dequeued,
// validated, copied and released before Iterate returns. Holding a buffer
// any longer starves the server's pool.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/logging"
)

const DefaultMaxFormatMismatches = 30

type Options struct {
	// Target is the preferred format; the other supported layouts at the
	// same size and rate are offered after it.
	Target capture.StreamFormat

	// MaxFormatMismatches consecutive bad buffers make the stream fail.
	// Zero means DefaultMaxFormatMismatches.
	MaxFormatMismatches int

	// OnError receives non-fatal stream errors such as a dropped
	// mismatched buffer. It runs inside Iterate.
	OnError func(error)

	Logger *slog.Logger
}

// Stats counts what happened to delivered buffers.
type Stats struct {
	Frames           uint64
	NullBuffers      uint64
	EarlyBuffers     uint64
	OutOfBuffers     uint64
	FormatMismatches uint64
	FormatChanges    uint64
}

// Client is not safe for concurrent use.
type Client struct {
	transport Transport
	sink      *capture.FrameSink
	opts      Options
	log       *slog.Logger

	connected    bool
	disconnected bool

	format         capture.StreamFormat
	confirmed      bool
	mismatchStreak int
	fatal          error
	stats          Stats

	lastEmptyLog    atomic.Int64
	lastMismatchLog atomic.Int64
}

func NewClient(t Transport, sink *capture.FrameSink, options Options) *Client {
	if options.MaxFormatMismatches <= 0 {
		options.MaxFormatMismatches = DefaultMaxFormatMismatches
	}
	return &Client{
		transport: t,
		sink:      sink,
		opts:      options,
		log:       logging.OrDiscard(options.Logger).With("component", "stream"),
	}
}

// Connect creates the stream and proposes the format list. The format is
// not final until the server confirms it.
func (c *Client) Connect(target capture.SourceHandle) error {
	if c.connected || c.disconnected {
		return &capture.StreamError{Op: "connect", Err: capture.ErrInvalidState}
	}
	if err := c.opts.Target.Validate(); err != nil {
		return err
	}

	if err := c.transport.Connect(target, RoleProperties(), c); err != nil {
		return &capture.StreamError{Op: "connect", Err: unavailable(err)}
	}
	c.connected = true

	formats := c.opts.Target.Candidates()
	if err := c.transport.ProposeFormats(formats); err != nil {
		return &capture.StreamError{Op: "propose formats", Err: unavailable(err)}
	}
	c.log.Debug("stream connected", "node", uint32(target), "preferred", c.opts.Target.String(), "candidates", len(formats))
	return nil
}

// Iterate pumps the transport once. It returns the first fatal error and
// keeps returning it.
func (c *Client) Iterate() error {
	if c.fatal != nil {
		return c.fatal
	}
	if !c.connected || c.disconnected {
		return nil
	}
	if err := c.transport.Iterate(); err != nil && c.fatal == nil {
		c.fatal = &capture.StreamError{Op: "iterate", Err: unavailable(err)}
	}
	return c.fatal
}

// Format returns the confirmed format; false until the server announced one.
func (c *Client) Format() (capture.StreamFormat, bool) {
	return c.format, c.confirmed
}

func (c *Client) Stats() Stats { return c.stats }

// Disconnect stops the stream. Safe to call more than once.
func (c *Client) Disconnect() error {
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	return c.transport.Disconnect()
}

// FormatConfirmed implements Handler.
func (c *Client) FormatConfirmed(format capture.StreamFormat) {
	if format.Layout.BytesPerPixel() == 0 || format.Width == 0 || format.Height == 0 {
		c.fatal = &capture.StreamError{
			Op:  "format",
			Err: fmt.Errorf("%w: server chose unsupported format %s", capture.ErrFormatMismatch, format),
		}
		return
	}

	if c.confirmed && !format.SameGeometry(c.format) {
		c.stats.FormatChanges++
		c.log.Info("stream format changed", "from", c.format.String(), "to", format.String())
	} else if !c.confirmed {
		c.log.Info("stream format confirmed", "format", format.String())
	}
	c.format = format
	c.confirmed = true
	c.mismatchStreak = 0
}

// BufferReady implements Handler.
func (c *Client) BufferReady() {
	buf, ok := c.transport.Dequeue()
	if !ok {
		c.stats.OutOfBuffers++
		if logging.Every(&c.lastEmptyLog, time.Second) {
			c.log.Debug("out of buffers", "total", c.stats.OutOfBuffers)
		}
		return
	}
	defer c.transport.Release(buf)

	c.consume(buf)
}

func (c *Client) consume(buf *Buffer) {
	if buf.Data == nil {
		c.stats.NullBuffers++
		return
	}
	if !c.confirmed {
		c.stats.EarlyBuffers++
		return
	}

	want := c.format.FrameSize()
	if int(buf.Size) != want || len(buf.Data) < want {
		c.mismatch(buf, want)
		return
	}
	c.mismatchStreak = 0

	frame := capture.NewFrame(c.format)
	copy(frame.Pixels, buf.Data[:want])
	frame.Timestamp = time.Now()
	c.sink.Publish(frame)
	c.stats.Frames++
}

func (c *Client) mismatch(buf *Buffer, want int) {
	c.stats.FormatMismatches++
	c.mismatchStreak++

	err := &capture.StreamError{
		Op: "buffer",
		Err: fmt.Errorf("%w: got %d bytes (%d mapped), want %d for %s",
			capture.ErrFormatMismatch, buf.Size, len(buf.Data), want, c.format),
	}
	if logging.Every(&c.lastMismatchLog, time.Second) {
		c.log.Warn("dropping buffer", "err", err, "streak", c.mismatchStreak)
	}
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}

	if c.mismatchStreak == 1 {
		if perr := c.transport.ProposeFormats(c.format.Candidates()); perr != nil {
			c.log.Warn("renegotiation failed", "err", perr)
		}
	}
	if c.mismatchStreak >= c.opts.MaxFormatMismatches {
		c.fatal = &capture.StreamError{
			Op:  "buffer",
			Err: fmt.Errorf("%w: %d consecutive mismatched buffers", capture.ErrFormatMismatch, c.mismatchStreak),
		}
	}
}

func unavailable(err error) error {
	if errors.Is(err, capture.ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", capture.ErrTransportUnavailable, err)
}
