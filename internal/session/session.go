package session

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"go2tv.app/portalcapture/internal/apis"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closedMember  = "Closed"
	closeCallName = interfaceName + ".Close"

	tokenPrefix = "portalcapture_"
)

func Close(ctx context.Context, bus apis.Bus, path dbus.ObjectPath) error {
	_, err := bus.Call(ctx, path, closeCallName)
	return err
}

// WatchClosed subscribes to the signal the broker emits when it ends the
// session on its own, e.g. when the user revokes sharing.
func WatchClosed(bus apis.Bus, path dbus.ObjectPath) (*apis.Subscription, error) {
	return bus.Subscribe(path, interfaceName, closedMember)
}

// GenerateToken returns a handle token that is a valid object path element.
func GenerateToken() string {
	return tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
