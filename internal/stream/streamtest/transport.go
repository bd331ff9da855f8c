// Package streamtest provides a scripted media transport for tests.
package streamtest

import (
	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/stream"
)

type eventKind int

const (
	eventFormat eventKind = iota
	eventBuffer
	eventEmpty
)

// Event is one scripted server notification.
type Event struct {
	kind   eventKind
	format capture.StreamFormat
	buffer *stream.Buffer
}

// Format confirms f.
func Format(f capture.StreamFormat) Event {
	return Event{kind: eventFormat, format: f}
}

// Buffer delivers data with a declared size of len(data).
func Buffer(data []byte) Event {
	return Event{kind: eventBuffer, buffer: &stream.Buffer{Data: data, Size: uint32(len(data))}}
}

// SizedBuffer delivers data with an arbitrary declared size.
func SizedBuffer(data []byte, size uint32) Event {
	return Event{kind: eventBuffer, buffer: &stream.Buffer{Data: data, Size: size}}
}

// StridedBuffer delivers data whose rows are stride bytes apart.
func StridedBuffer(data []byte, stride int32) Event {
	return Event{kind: eventBuffer, buffer: &stream.Buffer{Data: data, Size: uint32(len(data)), Stride: stride}}
}

// NullBuffer delivers a buffer without mapped memory.
func NullBuffer(size uint32) Event {
	return Event{kind: eventBuffer, buffer: &stream.Buffer{Size: size}}
}

// Empty signals buffer-ready while the pool has nothing to dequeue.
func Empty() Event {
	return Event{kind: eventEmpty}
}

// Transport implements stream.Transport. Each Iterate dispatches at most one
// scripted event.
type Transport struct {
	ConnectErr    error
	ProposeErr    error
	IterateErr    error
	DisconnectErr error

	Target     capture.SourceHandle
	Props      map[string]string
	Proposals  [][]capture.StreamFormat
	Ops        []string
	Dequeued   int
	Empties    int
	Releases   int
	BadRelease int

	handler     stream.Handler
	events      []Event
	ready       *stream.Buffer
	outstanding map[*stream.Buffer]bool
}

func New() *Transport {
	return &Transport{outstanding: make(map[*stream.Buffer]bool)}
}

// Push appends events to the script.
func (t *Transport) Push(events ...Event) {
	t.events = append(t.events, events...)
}

// Pending is the number of events not yet dispatched.
func (t *Transport) Pending() int { return len(t.events) }

// Outstanding is the number of dequeued buffers not yet released.
func (t *Transport) Outstanding() int { return len(t.outstanding) }

func (t *Transport) Connect(target capture.SourceHandle, props map[string]string, h stream.Handler) error {
	t.Ops = append(t.Ops, "connect")
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.Target = target
	t.Props = props
	t.handler = h
	return nil
}

func (t *Transport) ProposeFormats(formats []capture.StreamFormat) error {
	t.Ops = append(t.Ops, "propose")
	if t.ProposeErr != nil {
		return t.ProposeErr
	}
	t.Proposals = append(t.Proposals, append([]capture.StreamFormat(nil), formats...))
	return nil
}

func (t *Transport) Iterate() error {
	if t.IterateErr != nil {
		return t.IterateErr
	}
	if len(t.events) == 0 || t.handler == nil {
		return nil
	}
	ev := t.events[0]
	t.events = t.events[1:]

	switch ev.kind {
	case eventFormat:
		t.handler.FormatConfirmed(ev.format)
	case eventBuffer:
		t.ready = ev.buffer
		t.handler.BufferReady()
		t.ready = nil
	case eventEmpty:
		t.ready = nil
		t.handler.BufferReady()
	}
	return nil
}

func (t *Transport) Dequeue() (*stream.Buffer, bool) {
	if t.ready == nil {
		t.Empties++
		return nil, false
	}
	b := t.ready
	t.ready = nil
	t.Dequeued++
	t.outstanding[b] = true
	return b, true
}

func (t *Transport) Release(b *stream.Buffer) {
	t.Releases++
	if !t.outstanding[b] {
		t.BadRelease++
		return
	}
	delete(t.outstanding, b)
}

func (t *Transport) Disconnect() error {
	t.Ops = append(t.Ops, "disconnect")
	return t.DisconnectErr
}
