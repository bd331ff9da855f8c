package apis

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/portalcapture/capture"
)

func newPipeBus(t *testing.T) (*SessionBus, *dbus.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	conn, err := dbus.NewConn(local)
	if err != nil {
		t.Fatalf("NewConn() failed: %v", err)
	}
	return newSessionBus(conn), conn
}

func waitClosed(t *testing.T, c <-chan *dbus.Signal) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription channel was not closed")
		}
	}
}

func TestSessionBusRoutesSignals(t *testing.T) {
	b, _ := newPipeBus(t)
	defer b.Close()

	sub, err := b.subscribe("/req/1", "org.freedesktop.portal.Request.Response", func() {})
	if err != nil {
		t.Fatalf("subscribe() failed: %v", err)
	}
	defer sub.Close()

	b.signals <- &dbus.Signal{Path: "/req/2", Name: "org.freedesktop.portal.Request.Response"}
	b.signals <- &dbus.Signal{Path: "/req/1", Name: "org.freedesktop.portal.Request.Response"}

	select {
	case sig := <-sub.C:
		if sig.Path != "/req/1" {
			t.Errorf("got signal for %s", sig.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestSessionBusCloseEndsSubscriptions(t *testing.T) {
	b, _ := newPipeBus(t)
	sub, err := b.subscribe("/s", "org.freedesktop.portal.Session.Closed", func() {})
	if err != nil {
		t.Fatalf("subscribe() failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	waitClosed(t, sub.C)
	sub.Close()
	if err := b.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestSessionBusConnectionLost(t *testing.T) {
	b, conn := newPipeBus(t)
	sub, err := b.subscribe("/s", "org.freedesktop.portal.Session.Closed", func() {})
	if err != nil {
		t.Fatalf("subscribe() failed: %v", err)
	}

	// godbus closes the connection itself when its reader hits EOF.
	conn.Close()
	waitClosed(t, sub.C)

	if err := b.Close(); err != nil {
		t.Errorf("Close() after connection loss = %v", err)
	}
	sub.Close()

	_, err = b.subscribe("/s", "org.freedesktop.portal.Session.Closed", func() {})
	if !errors.Is(err, capture.ErrTransportUnavailable) {
		t.Errorf("subscribe() after loss = %v, want ErrTransportUnavailable", err)
	}
}
