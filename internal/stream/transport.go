package stream

import "go2tv.app/portalcapture/capture"

// Media role properties sent when the stream is created.
const (
	PropMediaType     = "media.type"
	PropMediaCategory = "media.category"
	PropMediaRole     = "media.role"
)

// RoleProperties declares a screen capture video stream.
func RoleProperties() map[string]string {
	return map[string]string{
		PropMediaType:     "Video",
		PropMediaCategory: "Capture",
		PropMediaRole:     "Screen",
	}
}

// Buffer is one frame loaned by the media server. Data is only valid until
// the buffer is released.
type Buffer struct {
	// Data starts at the chunk offset. Nil when the server delivered no
	// mapped memory.
	Data []byte

	// Size is the number of valid bytes the server declared for the chunk.
	Size uint32

	// Stride is the declared row length in bytes; 0 when unknown. It is
	// reported but not used: rows are never repacked, so a padded buffer
	// whose Size differs from the tightly packed frame size is dropped as a
	// format mismatch.
	Stride int32

	// Handle is opaque transport state used by Release.
	Handle any
}

// Handler receives the media server's notifications. They are delivered
// synchronously from inside Transport.Iterate.
type Handler interface {
	FormatConfirmed(format capture.StreamFormat)
	BufferReady()
}

// Transport is one stream connection to the media server.
type Transport interface {
	// Connect creates the stream for target with the given role properties.
	Connect(target capture.SourceHandle, props map[string]string, h Handler) error

	// ProposeFormats offers formats in descending preference. Calling it
	// again on a connected stream renegotiates.
	ProposeFormats(formats []capture.StreamFormat) error

	// Iterate dispatches pending notifications without blocking. A non-nil
	// error means the stream is unusable.
	Iterate() error

	// Dequeue takes the next ready buffer; false when the pool is empty.
	Dequeue() (*Buffer, bool)

	// Release returns a dequeued buffer to the server.
	Release(b *Buffer)

	// Disconnect stops the stream and then frees the context and loop.
	Disconnect() error
}
