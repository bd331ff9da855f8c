// Package xdgportal negotiates screen capture access with the desktop's
// ScreenCast portal.
//
// The handshake is CreateSession, SelectSources, Start, strictly in that
// order. Each step is a method call that returns a request handle; the
// outcome arrives later as a Response signal on that handle and every step
// has its own deadline. A failed or timed-out step closes the negotiator
// for good.
package xdgportal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/apis"
	"go2tv.app/portalcapture/internal/convert"
	"go2tv.app/portalcapture/internal/logging"
	"go2tv.app/portalcapture/internal/request"
	"go2tv.app/portalcapture/internal/session"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

const (
	DefaultStepTimeout = 5 * time.Second
	closeTimeout       = time.Second
)

// Step names used in errors and logs.
const (
	StepCreateSession      = "CreateSession"
	StepSelectSources      = "SelectSources"
	StepStart              = "Start"
	StepOpenPipeWireRemote = "OpenPipeWireRemote"
)

type State int

const (
	StateUnstarted State = iota
	StateSessionCreated
	StateSourcesSelected
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateSessionCreated:
		return "session-created"
	case StateSourcesSelected:
		return "sources-selected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

type Options struct {
	// StepTimeout bounds each handshake step. Zero means DefaultStepTimeout.
	StepTimeout time.Duration

	// SourceTypes defaults to SourceTypeMonitor, CursorMode to CursorModeEmbedded.
	SourceTypes  uint32
	CursorMode   uint32
	Multiple     bool
	PersistMode  uint32
	RestoreToken string

	// ParentWindow is the portal window identifier; empty for none.
	ParentWindow string

	// StreamIndex selects which of the started streams becomes the source.
	StreamIndex int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.SourceTypes == 0 {
		o.SourceTypes = SourceTypeMonitor
	}
	if o.CursorMode == 0 {
		o.CursorMode = CursorModeEmbedded
	}
	return o
}

// Negotiator owns one portal session. It is not safe for concurrent use.
type Negotiator struct {
	bus  apis.Bus
	opts Options
	log  *slog.Logger

	state        State
	session      dbus.ObjectPath
	streams      []Stream
	source       capture.SourceHandle
	restoreToken string
	closed       *apis.Subscription
	released     bool
}

// New takes ownership of bus; Close releases it.
func New(bus apis.Bus, options Options) *Negotiator {
	opts := options.withDefaults()
	return &Negotiator{
		bus:  bus,
		opts: opts,
		log:  logging.OrDiscard(opts.Logger).With("component", "xdgportal"),
	}
}

func (n *Negotiator) State() State { return n.state }

func (n *Negotiator) SessionPath() dbus.ObjectPath { return n.session }

// Streams is the stream list from the Start response.
func (n *Negotiator) Streams() []Stream { return n.streams }

// Source is valid once State is StateStreaming.
func (n *Negotiator) Source() capture.SourceHandle { return n.source }

// SelectedStream returns the stream the source handle was taken from.
func (n *Negotiator) SelectedStream() (Stream, bool) {
	if n.state != StateStreaming || n.opts.StreamIndex >= len(n.streams) {
		return Stream{}, false
	}
	return n.streams[n.opts.StreamIndex], true
}

// RestoreToken is the token the broker returned from Start, if any.
func (n *Negotiator) RestoreToken() string { return n.restoreToken }

// Negotiate runs the whole handshake and returns the source handle.
func (n *Negotiator) Negotiate(ctx context.Context) (capture.SourceHandle, error) {
	if err := n.CreateSession(ctx); err != nil {
		return 0, err
	}
	if err := n.SelectSources(ctx); err != nil {
		return 0, err
	}
	return n.Start(ctx)
}

func (n *Negotiator) CreateSession(ctx context.Context) error {
	if err := n.expect(StepCreateSession, StateUnstarted); err != nil {
		return err
	}

	handleToken := session.GenerateToken()
	data := map[string]dbus.Variant{
		"handle_token":         convert.FromString(handleToken),
		"session_handle_token": convert.FromString(session.GenerateToken()),
	}

	resp, err := n.request(ctx, StepCreateSession, handleToken, createSessionName, data)
	if err != nil {
		return err
	}

	sessionPath, ok := convert.String(resp.Results, "session_handle")
	if !ok || sessionPath == "" {
		return n.fail(StepCreateSession, fmt.Errorf("%w: missing session_handle", request.ErrUnexpectedResponse))
	}
	n.session = dbus.ObjectPath(sessionPath)
	n.state = StateSessionCreated

	closed, err := session.WatchClosed(n.bus, n.session)
	if err != nil {
		n.log.Warn("cannot watch session close", "session", n.session, "err", err)
	} else {
		n.closed = closed
	}

	n.log.Debug("session created", "session", n.session)
	return nil
}

func (n *Negotiator) SelectSources(ctx context.Context) error {
	if err := n.expect(StepSelectSources, StateSessionCreated); err != nil {
		return err
	}

	handleToken := session.GenerateToken()
	data := map[string]dbus.Variant{
		"handle_token": convert.FromString(handleToken),
		"types":        convert.FromUint32(n.opts.SourceTypes),
		"multiple":     convert.FromBool(n.opts.Multiple),
		"cursor_mode":  convert.FromUint32(n.opts.CursorMode),
	}
	if n.opts.PersistMode != PersistModeNone {
		data["persist_mode"] = convert.FromUint32(n.opts.PersistMode)
	}
	if n.opts.RestoreToken != "" {
		data["restore_token"] = convert.FromString(n.opts.RestoreToken)
	}

	if _, err := n.request(ctx, StepSelectSources, handleToken, selectSourcesName, n.session, data); err != nil {
		return err
	}
	n.state = StateSourcesSelected
	n.log.Debug("sources selected", "session", n.session)
	return nil
}

func (n *Negotiator) Start(ctx context.Context) (capture.SourceHandle, error) {
	if err := n.expect(StepStart, StateSourcesSelected); err != nil {
		return 0, err
	}

	handleToken := session.GenerateToken()
	data := map[string]dbus.Variant{
		"handle_token": convert.FromString(handleToken),
	}

	resp, err := n.request(ctx, StepStart, handleToken, startName, n.session, n.opts.ParentWindow, data)
	if err != nil {
		return 0, err
	}

	streams := parseStreams(resp.Results)
	if len(streams) == 0 {
		return 0, n.fail(StepStart, capture.ErrNoStreams)
	}
	if n.opts.StreamIndex < 0 || n.opts.StreamIndex >= len(streams) {
		return 0, n.fail(StepStart, fmt.Errorf("%w: StreamIndex %d out of range (streams=%d)",
			capture.ErrInvalidOptions, n.opts.StreamIndex, len(streams)))
	}
	if token, ok := convert.String(resp.Results, "restore_token"); ok {
		n.restoreToken = token
	}

	n.streams = streams
	n.source = capture.SourceHandle(streams[n.opts.StreamIndex].NodeID)
	n.state = StateStreaming
	n.log.Info("screencast started", "session", n.session, "node", uint32(n.source), "streams", len(streams))
	return n.source, nil
}

// OpenPipeWireRemote returns a connected fd for the media server. The caller
// owns the fd.
func (n *Negotiator) OpenPipeWireRemote(ctx context.Context) (int, error) {
	if err := n.expect(StepOpenPipeWireRemote, StateStreaming); err != nil {
		return -1, err
	}

	callCtx, cancel := context.WithTimeout(ctx, n.opts.StepTimeout)
	defer cancel()

	body, err := n.bus.Call(callCtx, apis.ObjectPath, openPipeWireRemote, n.session, map[string]dbus.Variant{})
	if err != nil {
		return -1, n.callError(StepOpenPipeWireRemote, callCtx, err)
	}
	if len(body) != 1 {
		return -1, &capture.NegotiationError{Step: StepOpenPipeWireRemote, Err: request.ErrUnexpectedResponse}
	}
	switch fd := body[0].(type) {
	case dbus.UnixFD:
		return int(fd), nil
	case int32:
		return int(fd), nil
	case int:
		return fd, nil
	default:
		return -1, &capture.NegotiationError{
			Step: StepOpenPipeWireRemote,
			Err:  fmt.Errorf("%w: fd has type %T", request.ErrUnexpectedResponse, body[0]),
		}
	}
}

// Poll drains pending broker signals without blocking. It reports
// capture.ErrSessionClosed once the broker has ended the session.
func (n *Negotiator) Poll() error {
	if n.closed == nil || n.state == StateClosed {
		return nil
	}
	select {
	case _, ok := <-n.closed.C:
		n.state = StateClosed
		if !ok {
			return fmt.Errorf("%w: bus closed", capture.ErrTransportUnavailable)
		}
		n.log.Info("session closed by portal", "session", n.session)
		return capture.ErrSessionClosed
	default:
		return nil
	}
}

// Close ends the session on the broker, ignoring errors, and releases the
// bus. It is safe to call in any state and more than once.
func (n *Negotiator) Close() error {
	if n.released {
		return nil
	}
	n.released = true
	n.state = StateClosed

	n.closed.Close()
	if n.session != "" {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := session.Close(ctx, n.bus, n.session); err != nil {
			n.log.Debug("session close failed", "session", n.session, "err", err)
		}
		cancel()
	}
	return n.bus.Close()
}

func (n *Negotiator) expect(step string, want State) error {
	if n.state != want {
		return &capture.NegotiationError{
			Step: step,
			Err:  fmt.Errorf("%w: in state %s, want %s", capture.ErrInvalidState, n.state, want),
		}
	}
	return nil
}

// request issues one portal call and waits for its Response signal. The
// subscription is in place before the call goes out.
func (n *Negotiator) request(ctx context.Context, step, token, method string, args ...any) (request.Response, error) {
	pending, err := request.Prepare(n.bus, token)
	if err != nil {
		return request.Response{}, n.fail(step, err)
	}
	defer pending.Close()

	stepCtx, cancel := context.WithTimeout(ctx, n.opts.StepTimeout)
	defer cancel()

	n.log.Debug("portal call", "step", step, "request", pending.Path())
	body, err := n.bus.Call(stepCtx, apis.ObjectPath, method, args...)
	if err != nil {
		return request.Response{}, n.fail(step, n.callError(step, stepCtx, err))
	}
	if len(body) == 1 {
		if handle, ok := body[0].(dbus.ObjectPath); ok {
			if err := pending.Bind(handle); err != nil {
				return request.Response{}, n.fail(step, err)
			}
		}
	}

	resp, err := pending.Await(stepCtx)
	if err != nil {
		return request.Response{}, n.fail(step, err)
	}
	if resp.Status != request.Success {
		return request.Response{}, n.fail(step, &capture.NegotiationError{
			Step:   step,
			Status: resp.Status,
			Err:    capture.ErrPermissionDenied,
		})
	}
	return resp, nil
}

func (n *Negotiator) callError(step string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &capture.NegotiationError{Step: step, Err: capture.ErrBrokerTimeout}
	}
	return &capture.NegotiationError{Step: step, Err: fmt.Errorf("%w: %v", capture.ErrTransportUnavailable, err)}
}

func (n *Negotiator) fail(step string, err error) error {
	n.state = StateClosed
	n.log.Warn("portal negotiation failed", "step", step, "err", err)

	var ne *capture.NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &capture.NegotiationError{Step: step, Err: err}
}

func parseStreams(results map[string]dbus.Variant) []Stream {
	streamVariant, ok := results["streams"]
	if !ok {
		return nil
	}

	var rawStreams [][]any
	if rs, ok := streamVariant.Value().([][]any); ok {
		rawStreams = rs
	} else if rs, ok := streamVariant.Value().([]any); ok {
		rawStreams = make([][]any, len(rs))
		for i, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams[i] = s
			}
		}
	} else {
		return nil
	}

	streams := []Stream{}
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}
		nodeID, ok := streamSlice[0].(uint32)
		if !ok {
			continue
		}
		stream.NodeID = nodeID

		props, ok := streamSlice[1].(map[string]dbus.Variant)
		if ok {
			if pos, ok := props["position"]; ok {
				if position, ok := convert.Int32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := convert.Int32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if sourceType, ok := convert.Uint32(props, "source_type"); ok {
				stream.SourceType = sourceType
			}
			if mappingID, ok := convert.String(props, "mapping_id"); ok {
				stream.MappingID = mappingID
			}
			if id, ok := convert.String(props, "id"); ok {
				stream.ID = id
			}
		}

		streams = append(streams, stream)
	}
	return streams
}
