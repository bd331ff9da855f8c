//go:build !linux || !cgo

package pipewire

import (
	"fmt"
	"log/slog"
	"os"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/stream"
)

var ErrLibraryNotLoaded = fmt.Errorf("%w: %w: pipewire is only available on linux", capture.ErrTransportUnavailable, capture.ErrNotImplemented)

type Transport struct{}

func IsAvailable() bool {
	return false
}

// NewTransport closes fd and fails.
func NewTransport(fd int, log *slog.Logger) (*Transport, error) {
	if fd >= 0 {
		_ = os.NewFile(uintptr(fd), "pipewire-remote").Close()
	}
	return nil, ErrLibraryNotLoaded
}

func (t *Transport) Connect(capture.SourceHandle, map[string]string, stream.Handler) error {
	return ErrLibraryNotLoaded
}

func (t *Transport) ProposeFormats([]capture.StreamFormat) error { return ErrLibraryNotLoaded }

func (t *Transport) Iterate() error { return ErrLibraryNotLoaded }

func (t *Transport) Dequeue() (*stream.Buffer, bool) { return nil, false }

func (t *Transport) Release(*stream.Buffer) {}

func (t *Transport) Disconnect() error { return nil }

var _ stream.Transport = (*Transport)(nil)
