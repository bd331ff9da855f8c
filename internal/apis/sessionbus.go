package apis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"go2tv.app/portalcapture/capture"
)

const subscriptionBuffer = 8

// SessionBus is a private session-bus connection. Signals are read by one
// dispatcher goroutine and routed to the subscriptions whose filter matches.
type SessionBus struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	ended  bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

type subscriber struct {
	path dbus.ObjectPath
	name string
	ch   chan *dbus.Signal
}

// ConnectSessionBus opens a dedicated connection so Close does not tear down
// the process-wide shared one.
func ConnectSessionBus() (*SessionBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", capture.ErrTransportUnavailable, err)
	}
	return newSessionBus(conn), nil
}

func newSessionBus(conn *dbus.Conn) *SessionBus {
	b := &SessionBus{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		subs:    make(map[int]*subscriber),
		done:    make(chan struct{}),
	}
	conn.Signal(b.signals)
	go b.dispatch()
	return b
}

func (b *SessionBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	obj := b.conn.Object(ObjectName, path)
	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (b *SessionBus) Subscribe(path dbus.ObjectPath, iface, member string) (*Subscription, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if err := b.conn.AddMatchSignal(match...); err != nil {
		return nil, err
	}
	sub, err := b.subscribe(path, iface+"."+member, func() {
		select {
		case <-b.done:
		default:
			_ = b.conn.RemoveMatchSignal(match...)
		}
	})
	if err != nil {
		_ = b.conn.RemoveMatchSignal(match...)
		return nil, err
	}
	return sub, nil
}

func (b *SessionBus) subscribe(path dbus.ObjectPath, name string, unmatch func()) (*Subscription, error) {
	s := &subscriber{
		path: path,
		name: name,
		ch:   make(chan *dbus.Signal, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return nil, fmt.Errorf("%w: session bus connection lost", capture.ErrTransportUnavailable)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s

	return NewSubscription(s.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		unmatch()
	}), nil
}

func (b *SessionBus) UniqueName() string {
	names := b.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Close releases the connection and ends the dispatcher, which closes every
// live subscription channel. It is safe after the connection was lost.
func (b *SessionBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		// godbus closes b.signals itself when the connection drops.
		b.conn.RemoveSignal(b.signals)
		err := b.conn.Close()
		if err != nil && !errors.Is(err, dbus.ErrClosed) {
			b.closeErr = err
		}
	})
	return b.closeErr
}

// dispatch routes signals until Close or until godbus closes the signal
// channel because the connection dropped.
func (b *SessionBus) dispatch() {
	defer b.endSubscriptions()
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			b.route(sig)
		}
	}
}

func (b *SessionBus) route(sig *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.path != sig.Path || s.name != sig.Name {
			continue
		}
		select {
		case s.ch <- sig:
		default:
		}
	}
}

// endSubscriptions closes every subscriber channel so waiters see the bus
// going away instead of silence.
func (b *SessionBus) endSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
