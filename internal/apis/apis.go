package apis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"

	requestPathPrefix = ObjectPath + "/request/"
	sessionPathPrefix = ObjectPath + "/session/"
)

// Bus is the session-bus surface the portal client needs: synchronous method
// calls on portal objects and signal subscriptions keyed by object path.
type Bus interface {
	// Call invokes method (interface-qualified) on the portal object at path
	// and returns the reply body.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error)

	// Subscribe delivers signals matching path, interface and member until
	// the subscription is closed.
	Subscribe(path dbus.ObjectPath, iface, member string) (*Subscription, error)

	// UniqueName is the caller's unique connection name, e.g. ":1.42".
	UniqueName() string

	Close() error
}

// Subscription is a stream of matching signals.
type Subscription struct {
	C <-chan *dbus.Signal

	once   sync.Once
	cancel func()
}

// NewSubscription wraps c; cancel runs once on Close.
func NewSubscription(c <-chan *dbus.Signal, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// SenderToken turns a unique name into the form the portal uses inside
// request and session object paths.
func SenderToken(uniqueName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(uniqueName, ":"), ".", "_")
}

// RequestPath predicts the object path of the request created with token.
func RequestPath(uniqueName, token string) dbus.ObjectPath {
	return dbus.ObjectPath(requestPathPrefix + SenderToken(uniqueName) + "/" + token)
}

// SessionPath predicts the object path of the session created with token.
func SessionPath(uniqueName, token string) dbus.ObjectPath {
	return dbus.ObjectPath(sessionPathPrefix + SenderToken(uniqueName) + "/" + token)
}

// GetProperty reads a property of the portal object.
func GetProperty(ctx context.Context, bus Bus, interfaceName, property string) (any, error) {
	body, err := bus.Call(ctx, ObjectPath, PropertiesGetName, interfaceName, property)
	if err != nil {
		return nil, err
	}
	if len(body) != 1 {
		return nil, fmt.Errorf("%s %s: unexpected reply length %d", PropertiesGetName, property, len(body))
	}
	if v, ok := body[0].(dbus.Variant); ok {
		return v.Value(), nil
	}
	return body[0], nil
}
