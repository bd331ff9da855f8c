package xdgportal_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/portaltest"
	"go2tv.app/portalcapture/internal/xdgportal"
)

func newNegotiator(bus *portaltest.Bus, opts xdgportal.Options) *xdgportal.Negotiator {
	if opts.StepTimeout == 0 {
		opts.StepTimeout = time.Second
	}
	return xdgportal.New(bus, opts)
}

func TestNegotiateSuccess(t *testing.T) {
	bus := portaltest.New()
	n := newNegotiator(bus, xdgportal.Options{})

	source, err := n.Negotiate(context.Background())
	if err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}
	if source != 42 {
		t.Errorf("source = %d, want 42", source)
	}
	if n.State() != xdgportal.StateStreaming {
		t.Errorf("state = %s, want streaming", n.State())
	}
	if n.SessionPath() != bus.SessionPath {
		t.Errorf("session = %q, want %q", n.SessionPath(), bus.SessionPath)
	}

	want := []string{portaltest.CreateSession, portaltest.SelectSources, portaltest.Start}
	if got := bus.Methods(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if v := bus.Violations(); len(v) != 0 {
		t.Errorf("ordering violations: %v", v)
	}
	if bus.Unheard() != 0 {
		t.Errorf("%d responses were emitted before a subscription existed", bus.Unheard())
	}

	stream, ok := n.SelectedStream()
	if !ok {
		t.Fatal("SelectedStream() not available after Start")
	}
	if stream.Size != [2]int32{1920, 1080} {
		t.Errorf("stream size = %v", stream.Size)
	}
}

func TestSelectSourcesOptions(t *testing.T) {
	bus := portaltest.New()
	n := newNegotiator(bus, xdgportal.Options{
		PersistMode:  xdgportal.PersistModePersistent,
		RestoreToken: "restore-me",
	})
	if _, err := n.Negotiate(context.Background()); err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}

	var opts map[string]dbus.Variant
	for _, c := range bus.Calls() {
		if c.Method == portaltest.SelectSources {
			if c.Args[0] != bus.SessionPath {
				t.Errorf("SelectSources session arg = %v", c.Args[0])
			}
			opts = c.Args[1].(map[string]dbus.Variant)
		}
	}

	checks := map[string]any{
		"types":         xdgportal.SourceTypeMonitor,
		"multiple":      false,
		"cursor_mode":   xdgportal.CursorModeEmbedded,
		"persist_mode":  xdgportal.PersistModePersistent,
		"restore_token": "restore-me",
	}
	for key, want := range checks {
		v, ok := opts[key]
		if !ok {
			t.Errorf("SelectSources option %q missing", key)
			continue
		}
		if v.Value() != want {
			t.Errorf("SelectSources %q = %v, want %v", key, v.Value(), want)
		}
	}
}

func TestStepsRefuseOutOfOrder(t *testing.T) {
	bus := portaltest.New()
	n := newNegotiator(bus, xdgportal.Options{})
	ctx := context.Background()

	if err := n.SelectSources(ctx); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("SelectSources before CreateSession: err = %v, want ErrInvalidState", err)
	}
	if _, err := n.Start(ctx); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Start before SelectSources: err = %v, want ErrInvalidState", err)
	}
	if len(bus.Calls()) != 0 {
		t.Errorf("out-of-order steps reached the bus: %v", bus.Methods())
	}

	if err := n.CreateSession(ctx); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if _, err := n.Start(ctx); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Start before SelectSources: err = %v, want ErrInvalidState", err)
	}
	if err := n.CreateSession(ctx); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("second CreateSession: err = %v, want ErrInvalidState", err)
	}
	if v := bus.Violations(); len(v) != 0 {
		t.Errorf("ordering violations: %v", v)
	}
}

func TestPermissionDeniedAtEachStep(t *testing.T) {
	tests := []struct {
		step      string
		wantCalls []string
	}{
		{portaltest.CreateSession, []string{portaltest.CreateSession}},
		{portaltest.SelectSources, []string{portaltest.CreateSession, portaltest.SelectSources}},
		{portaltest.Start, []string{portaltest.CreateSession, portaltest.SelectSources, portaltest.Start}},
	}

	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			bus := portaltest.New()
			bus.On(tt.step, portaltest.Reply{Status: 1})
			n := newNegotiator(bus, xdgportal.Options{})

			_, err := n.Negotiate(context.Background())
			if !errors.Is(err, capture.ErrPermissionDenied) {
				t.Fatalf("err = %v, want ErrPermissionDenied", err)
			}
			var ne *capture.NegotiationError
			if !errors.As(err, &ne) {
				t.Fatalf("err is %T, want *capture.NegotiationError", err)
			}
			if ne.Step != tt.step || ne.Status != 1 {
				t.Errorf("NegotiationError = {%s %d}, want {%s 1}", ne.Step, ne.Status, tt.step)
			}
			if n.State() != xdgportal.StateClosed {
				t.Errorf("state = %s, want closed", n.State())
			}
			if got := bus.Methods(); !reflect.DeepEqual(got, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
			if v := bus.Violations(); len(v) != 0 {
				t.Errorf("ordering violations: %v", v)
			}
		})
	}
}

func TestOtherNonZeroStatusIsDenied(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.SelectSources, portaltest.Reply{Status: 2})
	n := newNegotiator(bus, xdgportal.Options{})

	if _, err := n.Negotiate(context.Background()); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if bus.Called(portaltest.Start) {
		t.Error("Start was issued after a failed SelectSources")
	}
}

func TestStepTimeout(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.SelectSources, portaltest.Reply{Silent: true})
	n := newNegotiator(bus, xdgportal.Options{StepTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := n.Negotiate(context.Background())
	if !errors.Is(err, capture.ErrBrokerTimeout) {
		t.Fatalf("err = %v, want ErrBrokerTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if !bus.Called(portaltest.RequestClose) {
		t.Error("timed-out request was not closed on the broker")
	}
	if bus.Called(portaltest.Start) {
		t.Error("Start was issued after a timed-out SelectSources")
	}
	if n.State() != xdgportal.StateClosed {
		t.Errorf("state = %s, want closed", n.State())
	}
}

func TestCallHangsPastDeadline(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.CreateSession, portaltest.Reply{Hang: true})
	n := newNegotiator(bus, xdgportal.Options{StepTimeout: 20 * time.Millisecond})

	if _, err := n.Negotiate(context.Background()); !errors.Is(err, capture.ErrBrokerTimeout) {
		t.Fatalf("err = %v, want ErrBrokerTimeout", err)
	}
}

func TestCallErrorIsTransportUnavailable(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.CreateSession, portaltest.Reply{Err: errors.New("org.freedesktop.DBus.Error.ServiceUnknown")})
	n := newNegotiator(bus, xdgportal.Options{})

	if _, err := n.Negotiate(context.Background()); !errors.Is(err, capture.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
}

func TestBusLostMidHandshake(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.SelectSources, portaltest.Reply{Drop: true})
	n := newNegotiator(bus, xdgportal.Options{StepTimeout: 5 * time.Second})

	start := time.Now()
	_, err := n.Negotiate(context.Background())
	if !errors.Is(err, capture.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
	if errors.Is(err, capture.ErrBrokerTimeout) {
		t.Error("lost bus reported as a timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Negotiate took %v after the bus was lost", elapsed)
	}
	if bus.Called(portaltest.Start) {
		t.Error("Start was issued after the bus was lost")
	}
}

func TestPollBusLost(t *testing.T) {
	bus := portaltest.New()
	n := newNegotiator(bus, xdgportal.Options{})
	if _, err := n.Negotiate(context.Background()); err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}

	bus.Drop()
	if err := n.Poll(); !errors.Is(err, capture.ErrTransportUnavailable) {
		t.Fatalf("Poll() = %v, want ErrTransportUnavailable", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close() after bus loss = %v", err)
	}
}

func TestRebindToReturnedRequestPath(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.CreateSession, portaltest.Reply{
		RequestPath: "/org/freedesktop/portal/desktop/request/legacy/1",
	})
	n := newNegotiator(bus, xdgportal.Options{})

	if err := n.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if n.State() != xdgportal.StateSessionCreated {
		t.Errorf("state = %s, want session-created", n.State())
	}
}

func TestNoStreams(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.Start, portaltest.Reply{Results: map[string]dbus.Variant{}})
	n := newNegotiator(bus, xdgportal.Options{})

	if _, err := n.Negotiate(context.Background()); !errors.Is(err, capture.ErrNoStreams) {
		t.Fatalf("err = %v, want ErrNoStreams", err)
	}
}

func TestStreamIndexOutOfRange(t *testing.T) {
	bus := portaltest.New()
	n := newNegotiator(bus, xdgportal.Options{StreamIndex: 3})

	if _, err := n.Negotiate(context.Background()); !errors.Is(err, capture.ErrInvalidOptions) {
		t.Fatalf("err = %v, want ErrInvalidOptions", err)
	}
}

func TestRestoreToken(t *testing.T) {
	bus := portaltest.New()
	bus.On(portaltest.Start, portaltest.Reply{Results: map[string]dbus.Variant{
		"streams":       dbus.MakeVariant([]any{[]any{uint32(7), map[string]dbus.Variant{}}}),
		"restore_token": dbus.MakeVariant("tok"),
	}})
	n := newNegotiator(bus, xdgportal.Options{})

	source, err := n.Negotiate(context.Background())
	if err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}
	if source != 7 {
		t.Errorf("source = %d, want 7", source)
	}
	if n.RestoreToken() != "tok" {
		t.Errorf("restore token = %q, want tok", n.RestoreToken())
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Run("unstarted", func(t *testing.T) {
		bus := portaltest.New()
		n := newNegotiator(bus, xdgportal.Options{})
		if err := n.Close(); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
		if err := n.Close(); err != nil {
			t.Fatalf("second Close() failed: %v", err)
		}
		if bus.Called(portaltest.SessionClose) {
			t.Error("Session.Close issued without a session")
		}
		if bus.Closes() != 1 {
			t.Errorf("bus closed %d times, want 1", bus.Closes())
		}
	})

	t.Run("streaming", func(t *testing.T) {
		bus := portaltest.New()
		n := newNegotiator(bus, xdgportal.Options{})
		if _, err := n.Negotiate(context.Background()); err != nil {
			t.Fatalf("Negotiate() failed: %v", err)
		}
		_ = n.Close()
		_ = n.Close()

		closes := 0
		for _, c := range bus.Calls() {
			if c.Method == portaltest.SessionClose {
				closes++
				if c.Path != bus.SessionPath {
					t.Errorf("Session.Close on %q, want %q", c.Path, bus.SessionPath)
				}
			}
		}
		if closes != 1 {
			t.Errorf("Session.Close issued %d times, want 1", closes)
		}
		if bus.Subscriptions() != 0 {
			t.Errorf("%d subscriptions left open", bus.Subscriptions())
		}
		if n.State() != xdgportal.StateClosed {
			t.Errorf("state = %s, want closed", n.State())
		}
	})
}

func TestPollSessionClosed(t *testing.T) {
	bus := portaltest.New()
	n := newNegotiator(bus, xdgportal.Options{})
	if _, err := n.Negotiate(context.Background()); err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}

	if err := n.Poll(); err != nil {
		t.Fatalf("Poll() before close = %v", err)
	}
	bus.EmitSessionClosed()
	if err := n.Poll(); !errors.Is(err, capture.ErrSessionClosed) {
		t.Fatalf("Poll() = %v, want ErrSessionClosed", err)
	}
	if n.State() != xdgportal.StateClosed {
		t.Errorf("state = %s, want closed", n.State())
	}
}

func TestOpenPipeWireRemote(t *testing.T) {
	bus := portaltest.New()
	bus.FD = 9
	n := newNegotiator(bus, xdgportal.Options{})

	if _, err := n.OpenPipeWireRemote(context.Background()); !errors.Is(err, capture.ErrInvalidState) {
		t.Fatalf("OpenPipeWireRemote before Start: err = %v, want ErrInvalidState", err)
	}
	if _, err := n.Negotiate(context.Background()); err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}
	fd, err := n.OpenPipeWireRemote(context.Background())
	if err != nil {
		t.Fatalf("OpenPipeWireRemote() failed: %v", err)
	}
	if fd != 9 {
		t.Errorf("fd = %d, want 9", fd)
	}
}

func TestProbe(t *testing.T) {
	bus := portaltest.New()
	bus.Properties["AvailableCursorModes"] = xdgportal.CursorModeHidden

	caps, err := xdgportal.Probe(context.Background(), bus)
	if err != nil {
		t.Fatalf("Probe() failed: %v", err)
	}
	if caps.Version != 5 {
		t.Errorf("version = %d, want 5", caps.Version)
	}
	if caps.Supports(xdgportal.SourceTypeMonitor, xdgportal.CursorModeEmbedded) {
		t.Error("Supports(monitor, embedded) = true with hidden-only cursor modes")
	}
	if !caps.Supports(xdgportal.SourceTypeMonitor, xdgportal.CursorModeHidden) {
		t.Error("Supports(monitor, hidden) = false")
	}
}
