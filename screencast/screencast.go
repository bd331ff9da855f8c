// Package screencast captures a monitor or window through the desktop's
// ScreenCast portal and PipeWire.
//
// A Session acquires permission, connects the media stream and keeps the
// newest frame in a capture.FrameSink. It never starts goroutines of its
// own: the host calls Tick from its loop, and all portal signals and stream
// callbacks are handled inside that call.
package screencast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/apis"
	"go2tv.app/portalcapture/internal/logging"
	"go2tv.app/portalcapture/internal/pipewire"
	"go2tv.app/portalcapture/internal/stream"
	"go2tv.app/portalcapture/internal/xdgportal"
)

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	// Target is the preferred stream format. Zero means capture.DefaultFormat.
	Target capture.StreamFormat

	// FixedSize keeps Target's size instead of adopting the size the portal
	// reports for the selected stream.
	FixedSize bool

	Portal xdgportal.Options

	// MaxFormatMismatches is passed to the stream client.
	MaxFormatMismatches int

	// OnStreamError receives non-fatal stream errors. It runs inside Tick.
	OnStreamError func(error)

	Logger *slog.Logger

	// DialBus and NewTransport replace the session bus and libpipewire.
	DialBus      func() (apis.Bus, error)
	NewTransport func(fd int, log *slog.Logger) (stream.Transport, error)
}

// Stats combines stream and sink counters.
type Stats struct {
	stream.Stats
	Published   uint64
	Overwritten uint64
}

// Session is one capture attempt. Start, Tick and Stop must not be called
// concurrently; Frames may be read from any goroutine.
type Session struct {
	opts Options
	log  *slog.Logger
	sink *capture.FrameSink

	state      State
	negotiator *xdgportal.Negotiator
	client     *stream.Client
	source     capture.SourceHandle
	format     capture.StreamFormat

	// fatal is returned by every Tick once the session can no longer stream.
	fatal   error
	stopped bool
}

func New(options Options) *Session {
	if options.Target == (capture.StreamFormat{}) {
		options.Target = capture.DefaultFormat
	}
	if options.DialBus == nil {
		options.DialBus = dialSessionBus
	}
	if options.NewTransport == nil {
		options.NewTransport = newPipeWireTransport
	}
	log := logging.OrDiscard(options.Logger)
	if options.Portal.Logger == nil {
		options.Portal.Logger = log
	}
	return &Session{
		opts: options,
		log:  log.With("component", "screencast"),
		sink: capture.NewFrameSink(log),
	}
}

func dialSessionBus() (apis.Bus, error) {
	return apis.ConnectSessionBus()
}

func newPipeWireTransport(fd int, log *slog.Logger) (stream.Transport, error) {
	return pipewire.NewTransport(fd, log)
}

func (s *Session) State() State { return s.state }

func (s *Session) Frames() *capture.FrameSink { return s.sink }

// Source is the node being captured; valid once streaming.
func (s *Session) Source() capture.SourceHandle { return s.source }

// RestoreToken is the token the portal returned for reusing this grant.
func (s *Session) RestoreToken() string {
	if s.negotiator == nil {
		return ""
	}
	return s.negotiator.RestoreToken()
}

// Format returns the format confirmed by the media server.
func (s *Session) Format() (capture.StreamFormat, bool) {
	if s.client == nil {
		return capture.StreamFormat{}, false
	}
	return s.client.Format()
}

func (s *Session) Stats() Stats {
	st := Stats{Published: s.sink.Published(), Overwritten: s.sink.Overwritten()}
	if s.client != nil {
		st.Stats = s.client.Stats()
	}
	return st
}

// Start negotiates with the portal and connects the stream. On failure the
// session is Stopped and everything acquired along the way is released.
func (s *Session) Start(ctx context.Context) (err error) {
	if s.state != StateIdle {
		return fmt.Errorf("start in state %s: %w", s.state, capture.ErrInvalidState)
	}
	s.state = StateNegotiating

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			if cerr := cleanup[i](); cerr != nil {
				s.log.Debug("cleanup after failed start", "err", cerr)
			}
		}
		s.negotiator = nil
		s.client = nil
		s.state = StateStopped
		s.stopped = true
		s.log.Warn("capture start failed", "err", err)
	}()

	bus, err := s.opts.DialBus()
	if err != nil {
		if !errors.Is(err, capture.ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %v", capture.ErrTransportUnavailable, err)
		}
		return err
	}
	s.negotiator = xdgportal.New(bus, s.opts.Portal)
	cleanup = append(cleanup, s.negotiator.Close)

	source, err := s.negotiator.Negotiate(ctx)
	if err != nil {
		return err
	}
	s.source = source

	target := s.opts.Target
	if sel, ok := s.negotiator.SelectedStream(); ok && !s.opts.FixedSize && sel.Size[0] > 0 && sel.Size[1] > 0 {
		target.Width, target.Height = uint32(sel.Size[0]), uint32(sel.Size[1])
	}
	s.format = target

	fd, err := s.negotiator.OpenPipeWireRemote(ctx)
	if err != nil {
		return err
	}
	transport, err := s.opts.NewTransport(fd, s.opts.Logger)
	if err != nil {
		if !errors.Is(err, capture.ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %v", capture.ErrTransportUnavailable, err)
		}
		return &capture.StreamError{Op: "open transport", Err: err}
	}

	s.client = stream.NewClient(transport, s.sink, stream.Options{
		Target:              target,
		MaxFormatMismatches: s.opts.MaxFormatMismatches,
		OnError:             s.opts.OnStreamError,
		Logger:              s.opts.Logger,
	})
	cleanup = append(cleanup, s.client.Disconnect)

	if err := s.client.Connect(source); err != nil {
		return err
	}

	s.state = StateStreaming
	s.log.Info("capture streaming", "node", uint32(source), "target", target.String())
	return nil
}

// Tick pumps portal signals and then the media stream, without blocking.
// It is a no-op unless the session is streaming. A returned error is fatal
// and every later Tick returns it again until Stop.
func (s *Session) Tick() error {
	if s.state != StateStreaming {
		return nil
	}
	if s.fatal != nil {
		return s.fatal
	}
	if err := s.negotiator.Poll(); err != nil {
		s.fatal = &capture.StreamError{Op: "session", Err: err}
		s.log.Warn("capture session ended", "err", err)
		return s.fatal
	}
	if err := s.client.Iterate(); err != nil {
		s.fatal = err
		return err
	}
	return nil
}

// Stop disconnects the stream, then closes the portal session. Only the
// first call does any work or reports an error.
func (s *Session) Stop() error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Disconnect())
	}
	if s.negotiator != nil {
		errs = append(errs, s.negotiator.Close())
	}
	s.state = StateStopped
	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("capture stop", "err", err)
	} else {
		s.log.Debug("capture stopped")
	}
	return err
}

var _ capture.Source = (*Session)(nil)
