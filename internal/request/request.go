// Package request tracks org.freedesktop.portal.Request objects.
//
// Portal methods return a request handle immediately and deliver the real
// result later as a Response signal on that handle. The subscription must
// exist before the method is called, otherwise a fast broker can answer
// before anyone listens. Prepare therefore subscribes on the path the
// broker will create for a given handle_token, and Bind switches to the
// returned path if an older broker chose a different one.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/apis"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	closeCallName  = interfaceName + ".Close"

	closeTimeout = time.Second
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

// Response is the payload of a Request.Response signal.
type Response struct {
	Status  ResponseStatus
	Results map[string]dbus.Variant
}

// Pending is one in-flight portal request.
type Pending struct {
	bus  apis.Bus
	path dbus.ObjectPath
	sub  *apis.Subscription
}

// Prepare subscribes to the response of the request a call carrying token
// will create.
func Prepare(bus apis.Bus, token string) (*Pending, error) {
	path := apis.RequestPath(bus.UniqueName(), token)
	sub, err := bus.Subscribe(path, interfaceName, responseMember)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", capture.ErrTransportUnavailable, path, err)
	}
	return &Pending{bus: bus, path: path, sub: sub}, nil
}

func (p *Pending) Path() dbus.ObjectPath { return p.path }

// Bind reconciles the predicted path with the handle the call returned.
func (p *Pending) Bind(actual dbus.ObjectPath) error {
	if actual == "" || actual == p.path {
		return nil
	}
	sub, err := p.bus.Subscribe(actual, interfaceName, responseMember)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", capture.ErrTransportUnavailable, actual, err)
	}
	p.sub.Close()
	p.sub = sub
	p.path = actual
	return nil
}

// Await blocks until the response arrives or ctx ends. When the deadline
// passes the request is closed on the broker, best-effort, and
// capture.ErrBrokerTimeout is returned.
func (p *Pending) Await(ctx context.Context) (Response, error) {
	select {
	case sig, ok := <-p.sub.C:
		if !ok {
			return Response{}, fmt.Errorf("%w: bus closed while waiting for %s", capture.ErrTransportUnavailable, p.path)
		}
		return parse(sig)
	case <-ctx.Done():
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = Close(closeCtx, p.bus, p.path)
		cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, capture.ErrBrokerTimeout
		}
		return Response{}, ctx.Err()
	}
}

// Close drops the subscription. It does not touch the broker object.
func (p *Pending) Close() {
	p.sub.Close()
}

// Close asks the broker to abandon the request at path.
func Close(ctx context.Context, bus apis.Bus, path dbus.ObjectPath) error {
	_, err := bus.Call(ctx, path, closeCallName)
	return err
}

func parse(sig *dbus.Signal) (Response, error) {
	if len(sig.Body) != 2 {
		return Response{}, ErrUnexpectedResponse
	}
	status, ok := sig.Body[0].(ResponseStatus)
	if !ok {
		return Response{}, fmt.Errorf("%w: status has type %T", ErrUnexpectedResponse, sig.Body[0])
	}
	results, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Response{}, fmt.Errorf("%w: results have type %T", ErrUnexpectedResponse, sig.Body[1])
	}
	return Response{Status: status, Results: results}, nil
}
