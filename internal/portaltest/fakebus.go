// Package portaltest provides a scripted in-memory portal bus for tests.
package portaltest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/apis"
)

const (
	screenCast     = "org.freedesktop.portal.ScreenCast."
	requestIface   = "org.freedesktop.portal.Request"
	sessionIface   = "org.freedesktop.portal.Session"
	responseMember = "Response"
	closedMember   = "Closed"

	CreateSession      = "CreateSession"
	SelectSources      = "SelectSources"
	Start              = "Start"
	OpenPipeWireRemote = "OpenPipeWireRemote"
	RequestClose       = "Request.Close"
	SessionClose       = "Session.Close"
	PropertiesGet      = "Properties.Get"
)

var ErrUnknownMethod = errors.New("portaltest: unknown method")

// Reply scripts the broker's answer to one ScreenCast step.
type Reply struct {
	// Status is sent in the Response signal; 0 means success.
	Status uint32
	// Results replaces the default result vardict when non-nil.
	Results map[string]dbus.Variant
	// Silent suppresses the Response signal.
	Silent bool
	// Hang blocks the method call until its context ends.
	Hang bool
	// Err fails the method call itself.
	Err error
	// RequestPath overrides the request handle returned to the caller.
	RequestPath dbus.ObjectPath
	// Drop loses the connection after the call returns, before the
	// Response signal.
	Drop bool
}

// Call is one recorded method call.
type Call struct {
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// Bus implements apis.Bus. The zero value is not usable; call New.
type Bus struct {
	Unique      string
	SessionPath dbus.ObjectPath
	NodeID      uint32
	Size        [2]int32
	FD          int
	Properties  map[string]any

	mu         sync.Mutex
	replies    map[string]Reply
	calls      []Call
	subs       map[int]*sub
	nextSub    int
	pending    map[dbus.ObjectPath][]*dbus.Signal
	unheard    int
	violations []string
	created    bool
	selected   bool
	closes     int
	dropped    bool
}

type sub struct {
	path dbus.ObjectPath
	name string
	ch   chan *dbus.Signal
}

// New returns a bus on which every step succeeds and Start reports one
// 1920x1080 monitor stream with node id 42.
func New() *Bus {
	return &Bus{
		Unique:      ":1.7",
		SessionPath: "/org/freedesktop/portal/desktop/session/1_7/test",
		NodeID:      42,
		Size:        [2]int32{1920, 1080},
		FD:          -1,
		Properties: map[string]any{
			"AvailableSourceTypes": uint32(7),
			"AvailableCursorModes": uint32(7),
			"version":              uint32(5),
		},
		replies: make(map[string]Reply),
		subs:    make(map[int]*sub),
		pending: make(map[dbus.ObjectPath][]*dbus.Signal),
	}
}

// On scripts the reply for a ScreenCast step.
func (b *Bus) On(step string, r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[step] = r
}

// Calls returns every method call so far.
func (b *Bus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Methods returns the short method names of every call, in order.
func (b *Bus) Methods() []string {
	calls := b.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Called reports whether method was ever invoked.
func (b *Bus) Called(method string) bool {
	for _, m := range b.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

// Violations lists steps issued before their predecessor succeeded.
func (b *Bus) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

// Unheard counts Response signals emitted while nobody was subscribed.
func (b *Bus) Unheard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unheard
}

// Closes counts calls to Close.
func (b *Bus) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// Subscriptions counts live subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// EmitSessionClosed sends Session.Closed for the scripted session.
func (b *Bus) EmitSessionClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(&dbus.Signal{
		Path: b.SessionPath,
		Name: sessionIface + "." + closedMember,
		Body: []any{map[string]dbus.Variant{}},
	})
}

// Drop simulates losing the bus connection: every live subscription channel
// is closed and later subscriptions fail.
func (b *Bus) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked()
}

func (b *Bus) dropLocked() {
	b.dropped = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	short := shortName(method)

	b.mu.Lock()
	b.calls = append(b.calls, Call{Path: path, Method: short, Args: args})
	r := b.replies[short]
	b.mu.Unlock()

	switch short {
	case CreateSession, SelectSources, Start:
		return b.step(ctx, short, r, args)
	case OpenPipeWireRemote:
		if r.Err != nil {
			return nil, r.Err
		}
		return []any{dbus.UnixFD(b.FD)}, nil
	case RequestClose, SessionClose:
		return nil, nil
	case PropertiesGet:
		if len(args) != 2 {
			return nil, fmt.Errorf("portaltest: Properties.Get wants 2 args, got %d", len(args))
		}
		name, _ := args[1].(string)
		v, ok := b.Properties[name]
		if !ok {
			return nil, fmt.Errorf("portaltest: no property %q", name)
		}
		return []any{dbus.MakeVariant(v)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (b *Bus) step(ctx context.Context, step string, r Reply, args []any) ([]any, error) {
	b.mu.Lock()
	switch {
	case step == SelectSources && !b.created:
		b.violations = append(b.violations, "SelectSources before successful CreateSession")
	case step == Start && !b.selected:
		b.violations = append(b.violations, "Start before successful SelectSources")
	}
	b.mu.Unlock()

	if r.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.Err != nil {
		return nil, r.Err
	}

	token := handleToken(args)
	if token == "" {
		return nil, fmt.Errorf("portaltest: %s without handle_token", step)
	}
	reqPath := apis.RequestPath(b.Unique, token)
	if r.RequestPath != "" {
		reqPath = r.RequestPath
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r.Drop {
		b.dropLocked()
		return []any{reqPath}, nil
	}
	if r.Silent {
		return []any{reqPath}, nil
	}

	results := r.Results
	if results == nil {
		results = b.defaultResults(step)
	}
	if r.Status == 0 {
		switch step {
		case CreateSession:
			b.created = true
		case SelectSources:
			b.selected = true
		}
	}
	b.emitLocked(&dbus.Signal{
		Path: reqPath,
		Name: requestIface + "." + responseMember,
		Body: []any{r.Status, results},
	})
	return []any{reqPath}, nil
}

func (b *Bus) defaultResults(step string) map[string]dbus.Variant {
	switch step {
	case CreateSession:
		return map[string]dbus.Variant{
			"session_handle": dbus.MakeVariant(string(b.SessionPath)),
		}
	case Start:
		return map[string]dbus.Variant{
			"streams": dbus.MakeVariant([][]any{{
				b.NodeID,
				map[string]dbus.Variant{
					"size":        dbus.MakeVariant([]any{b.Size[0], b.Size[1]}),
					"position":    dbus.MakeVariant([]any{int32(0), int32(0)}),
					"source_type": dbus.MakeVariant(uint32(1)),
				},
			}}),
		}
	default:
		return map[string]dbus.Variant{}
	}
}

func (b *Bus) emitLocked(sig *dbus.Signal) {
	delivered := false
	for _, s := range b.subs {
		if s.path == sig.Path && s.name == sig.Name {
			s.ch <- sig
			delivered = true
		}
	}
	if !delivered {
		b.unheard++
		b.pending[sig.Path] = append(b.pending[sig.Path], sig)
	}
}

func (b *Bus) Subscribe(path dbus.ObjectPath, iface, member string) (*apis.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return nil, fmt.Errorf("%w: portaltest: connection dropped", capture.ErrTransportUnavailable)
	}

	s := &sub{path: path, name: iface + "." + member, ch: make(chan *dbus.Signal, 8)}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = s

	kept := b.pending[path][:0]
	for _, sig := range b.pending[path] {
		if sig.Name == s.name {
			s.ch <- sig
			continue
		}
		kept = append(kept, sig)
	}
	b.pending[path] = kept

	return apis.NewSubscription(s.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}), nil
}

func (b *Bus) UniqueName() string { return b.Unique }

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func shortName(method string) string {
	switch {
	case strings.HasPrefix(method, screenCast):
		return strings.TrimPrefix(method, screenCast)
	case method == requestIface+".Close":
		return RequestClose
	case method == sessionIface+".Close":
		return SessionClose
	case method == apis.PropertiesGetName:
		return PropertiesGet
	default:
		return method
	}
}

func handleToken(args []any) string {
	for i := len(args) - 1; i >= 0; i-- {
		if opts, ok := args[i].(map[string]dbus.Variant); ok {
			if v, ok := opts["handle_token"]; ok {
				s, _ := v.Value().(string)
				return s
			}
		}
	}
	return ""
}
