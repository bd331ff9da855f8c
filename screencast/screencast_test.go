package screencast

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/apis"
	"go2tv.app/portalcapture/internal/portaltest"
	"go2tv.app/portalcapture/internal/stream"
	"go2tv.app/portalcapture/internal/stream/streamtest"
	"go2tv.app/portalcapture/internal/xdgportal"
)

type fixture struct {
	bus       *portaltest.Bus
	transport *streamtest.Transport
	fd        int
	opened    int
	session   *Session
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{bus: portaltest.New(), transport: streamtest.New(), fd: -2}
	opts.DialBus = func() (apis.Bus, error) { return f.bus, nil }
	if opts.NewTransport == nil {
		opts.NewTransport = func(fd int, _ *slog.Logger) (stream.Transport, error) {
			f.opened++
			f.fd = fd
			return f.transport, nil
		}
	}
	opts.Portal.StepTimeout = 200 * time.Millisecond
	f.session = New(opts)
	return f
}

func (f *fixture) disconnects() int {
	n := 0
	for _, op := range f.transport.Ops {
		if op == "disconnect" {
			n++
		}
	}
	return n
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.session.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if f.session.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", f.session.State())
	}
	if f.session.Source() != 42 || f.transport.Target != 42 {
		t.Fatalf("source = %d, transport target = %d, want 42", f.session.Source(), f.transport.Target)
	}
	if f.fd != -1 {
		t.Errorf("transport got fd %d, want the portal remote -1", f.fd)
	}

	format := capture.StreamFormat{Layout: capture.PixelRGBA8, Width: 1920, Height: 1080, FrameRateNum: 30, FrameRateDen: 1}
	if got := f.transport.Proposals[0][0]; got != format {
		t.Errorf("preferred proposal = %s, want %s", got, format)
	}

	size := format.FrameSize()
	third := bytes.Repeat([]byte{3, 1, 4, 1}, size/4)
	f.transport.Push(
		streamtest.Format(format),
		streamtest.Buffer(bytes.Repeat([]byte{1}, size)),
		streamtest.Buffer(bytes.Repeat([]byte{2}, size)),
		streamtest.Buffer(third),
	)

	var seen []uint64
	for f.transport.Pending() > 0 {
		if err := f.session.Tick(); err != nil {
			t.Fatalf("Tick() failed: %v", err)
		}
		if v, ok := f.session.Frames().Latest(); ok {
			if len(v.Pixels()) != 1920*1080*4 {
				t.Fatalf("frame %d has %d bytes", v.Seq(), len(v.Pixels()))
			}
			if len(seen) == 0 || seen[len(seen)-1] != v.Seq() {
				seen = append(seen, v.Seq())
			}
		}
	}
	if len(seen) != 3 {
		t.Errorf("observed frames %v, want 3", seen)
	}
	if got := f.session.Stats().Published; got != 3 {
		t.Errorf("published = %d, want 3", got)
	}
	v, _ := f.session.Frames().Latest()
	if !bytes.Equal(v.Pixels(), third) {
		t.Error("sink does not hold the third buffer")
	}
	if fm, ok := f.session.Format(); !ok || fm != format {
		t.Errorf("Format() = %s, %v", fm, ok)
	}

	if err := f.session.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if f.disconnects() != 1 {
		t.Errorf("transport disconnected %d times", f.disconnects())
	}
	if !f.bus.Called(portaltest.SessionClose) || f.bus.Closes() != 1 {
		t.Error("portal session or bus was not released")
	}
}

func TestStopOrder(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	callsBefore := len(f.bus.Calls())

	// The stream must be gone before the portal session is closed.
	_ = f.session.Stop()

	if f.disconnects() != 1 {
		t.Fatal("stream not disconnected")
	}
	calls := f.bus.Calls()[callsBefore:]
	if len(calls) == 0 || calls[len(calls)-1].Method != portaltest.SessionClose {
		t.Errorf("calls after Stop = %v, want Session.Close last", calls)
	}
}

func TestPermissionDenied(t *testing.T) {
	for _, step := range []string{portaltest.CreateSession, portaltest.SelectSources, portaltest.Start} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.bus.On(step, portaltest.Reply{Status: 1})

			err := f.session.Start(context.Background())
			if !errors.Is(err, capture.ErrPermissionDenied) {
				t.Fatalf("err = %v, want ErrPermissionDenied", err)
			}
			if step != portaltest.Start && f.bus.Called(portaltest.Start) {
				t.Error("Start was issued after a refused step")
			}
			if f.session.State() != StateStopped {
				t.Errorf("state = %s, want stopped", f.session.State())
			}
			if f.opened != 0 {
				t.Error("media transport opened after a failed negotiation")
			}
			if f.bus.Closes() != 1 {
				t.Errorf("bus closed %d times, want 1", f.bus.Closes())
			}
			if f.bus.Subscriptions() != 0 {
				t.Errorf("%d subscriptions left open", f.bus.Subscriptions())
			}
			if err := f.session.Stop(); err != nil {
				t.Errorf("Stop() after failed start = %v", err)
			}
			if f.bus.Closes() != 1 {
				t.Errorf("Stop released the bus again")
			}
		})
	}
}

func TestStartTimeout(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.On(portaltest.SelectSources, portaltest.Reply{Silent: true})

	err := f.session.Start(context.Background())
	if !errors.Is(err, capture.ErrBrokerTimeout) {
		t.Fatalf("err = %v, want ErrBrokerTimeout", err)
	}
	if f.bus.Called(portaltest.Start) || f.opened != 0 {
		t.Error("negotiation continued after a timeout")
	}
	if f.session.State() != StateStopped {
		t.Errorf("state = %s, want stopped", f.session.State())
	}
}

func TestDialFailure(t *testing.T) {
	s := New(Options{
		DialBus: func() (apis.Bus, error) { return nil, errors.New("no session bus") },
	})
	err := s.Start(context.Background())
	if !errors.Is(err, capture.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestTransportFailureReleasesSession(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		f := newFixture(t, Options{
			NewTransport: func(int, *slog.Logger) (stream.Transport, error) {
				return nil, errors.New("libpipewire missing")
			},
		})
		err := f.session.Start(context.Background())
		if !errors.Is(err, capture.ErrTransportUnavailable) {
			t.Fatalf("err = %v, want ErrTransportUnavailable", err)
		}
		if !f.bus.Called(portaltest.SessionClose) || f.bus.Closes() != 1 {
			t.Error("portal session leaked")
		}
	})

	t.Run("connect", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.transport.ConnectErr = errors.New("refused")
		err := f.session.Start(context.Background())
		if !errors.Is(err, capture.ErrTransportUnavailable) {
			t.Fatalf("err = %v, want ErrTransportUnavailable", err)
		}
		if f.disconnects() != 1 {
			t.Errorf("transport disconnected %d times, want 1", f.disconnects())
		}
		if f.bus.Closes() != 1 {
			t.Error("bus leaked")
		}
		if f.session.State() != StateStopped {
			t.Errorf("state = %s", f.session.State())
		}
	})
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.session.Stop(); err != nil {
			t.Fatalf("Stop() #%d = %v", i+1, err)
		}
	}
	if f.disconnects() != 1 || f.bus.Closes() != 1 {
		t.Errorf("disconnects = %d, bus closes = %d, want 1 each", f.disconnects(), f.bus.Closes())
	}
	if err := f.session.Tick(); err != nil {
		t.Errorf("Tick() after Stop = %v", err)
	}
	if err := f.session.Start(context.Background()); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Start() after Stop = %v, want ErrInvalidState", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := New(Options{})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s", s.State())
	}
}

func TestTickBeforeStart(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Tick(); err != nil {
		t.Fatalf("Tick() = %v", err)
	}
}

func TestSessionClosedIsFatal(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	f.bus.EmitSessionClosed()

	err := f.session.Tick()
	if !errors.Is(err, capture.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	var se *capture.StreamError
	if !errors.As(err, &se) {
		t.Errorf("err is %T, want *capture.StreamError", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.session.Tick(); !errors.Is(err, capture.ErrSessionClosed) {
			t.Fatalf("Tick() #%d after close = %v, want ErrSessionClosed", i+2, err)
		}
	}
	f.transport.Push(streamtest.Empty())
	_ = f.session.Tick()
	if f.transport.Pending() != 1 {
		t.Error("stream still iterated after the portal session closed")
	}
	_ = f.session.Stop()
}

func TestBusLostIsFatal(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	f.bus.Drop()

	for i := 0; i < 2; i++ {
		if err := f.session.Tick(); !errors.Is(err, capture.ErrTransportUnavailable) {
			t.Fatalf("Tick() #%d = %v, want ErrTransportUnavailable", i+1, err)
		}
	}
	if err := f.session.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestIterateErrorIsSticky(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	f.transport.IterateErr = errors.New("loop failed")

	first := f.session.Tick()
	if first == nil {
		t.Fatal("Tick() = nil, want iterate error")
	}
	f.transport.IterateErr = nil
	if err := f.session.Tick(); err != first {
		t.Errorf("second Tick() = %v, want %v", err, first)
	}
	_ = f.session.Stop()
}

func TestStopReportsErrorOnce(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	boom := errors.New("close remote fd: bad file descriptor")
	f.transport.DisconnectErr = boom

	if err := f.session.Stop(); !errors.Is(err, boom) {
		t.Fatalf("first Stop() = %v, want %v", err, boom)
	}
	if !f.bus.Called(portaltest.SessionClose) {
		t.Error("portal session not closed after a failed disconnect")
	}
	for i := 0; i < 2; i++ {
		if err := f.session.Stop(); err != nil {
			t.Errorf("Stop() #%d = %v, want nil", i+2, err)
		}
	}
	if f.disconnects() != 1 || f.bus.Closes() != 1 {
		t.Errorf("disconnects = %d, bus closes = %d, want 1 each", f.disconnects(), f.bus.Closes())
	}
}

func TestStreamErrorsReported(t *testing.T) {
	var reported []error
	f := newFixture(t, Options{OnStreamError: func(err error) { reported = append(reported, err) }})
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	target := capture.DefaultFormat
	f.transport.Push(streamtest.Format(target), streamtest.Buffer(make([]byte, 16)))
	for f.transport.Pending() > 0 {
		if err := f.session.Tick(); err != nil {
			t.Fatalf("Tick() = %v", err)
		}
	}
	if len(reported) != 1 || !errors.Is(reported[0], capture.ErrFormatMismatch) {
		t.Fatalf("reported = %v, want one ErrFormatMismatch", reported)
	}
	if f.session.Stats().FormatMismatches != 1 {
		t.Errorf("stats = %+v", f.session.Stats())
	}
}

func TestTargetFollowsSelectedStream(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.Size = [2]int32{2560, 1440}
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	got := f.transport.Proposals[0][0]
	if got.Width != 2560 || got.Height != 1440 {
		t.Errorf("proposed %dx%d, want 2560x1440", got.Width, got.Height)
	}

	fixed := newFixture(t, Options{FixedSize: true})
	fixed.bus.Size = [2]int32{2560, 1440}
	if err := fixed.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := fixed.transport.Proposals[0][0]; got.Width != 1920 || got.Height != 1080 {
		t.Errorf("fixed size proposed %dx%d, want 1920x1080", got.Width, got.Height)
	}
}

func TestStreamIndex(t *testing.T) {
	f := newFixture(t, Options{Portal: xdgportal.Options{StreamIndex: 3}})
	err := f.session.Start(context.Background())
	if !errors.Is(err, capture.ErrInvalidOptions) {
		t.Fatalf("err = %v, want ErrInvalidOptions", err)
	}
	if f.bus.Closes() != 1 {
		t.Error("bus leaked")
	}
}
