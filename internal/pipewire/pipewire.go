//go:build linux && cgo

package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/format-utils.h>
#include <spa/param/video/format-utils.h>
#include <spa/pod/builder.h>
#include <errno.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>

// Function pointers for dynamic loading
static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_loop * (*d_pw_loop_new)(const struct spa_dict *props);
static void (*d_pw_loop_destroy)(struct pw_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static struct pw_core * (*d_pw_context_connect)(struct pw_context *context, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static int (*d_pw_properties_set)(struct pw_properties *properties, const char *key, const char *value);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static int (*d_pw_stream_update_params)(struct pw_stream *stream, const struct spa_pod **params, uint32_t n_params);
static int (*d_pw_stream_disconnect)(struct pw_stream *stream);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

static void* pw_lib_handle = NULL;

static int load_pipewire() {
    if (pw_lib_handle != NULL) return 1;

    const char* lib_names[] = {
        "libpipewire-0.3.so.0",
        "libpipewire-0.3.so",
        NULL
    };

    for (int i = 0; lib_names[i] != NULL; i++) {
        pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
        if (pw_lib_handle) break;
    }

    if (!pw_lib_handle) return 0;

    d_pw_init = dlsym(pw_lib_handle, "pw_init");
    d_pw_loop_new = dlsym(pw_lib_handle, "pw_loop_new");
    d_pw_loop_destroy = dlsym(pw_lib_handle, "pw_loop_destroy");
    d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
    d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
    d_pw_context_connect_fd = dlsym(pw_lib_handle, "pw_context_connect_fd");
    d_pw_context_connect = dlsym(pw_lib_handle, "pw_context_connect");
    d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
    d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
    d_pw_properties_set = dlsym(pw_lib_handle, "pw_properties_set");
    d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
    d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
    d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
    d_pw_stream_update_params = dlsym(pw_lib_handle, "pw_stream_update_params");
    d_pw_stream_disconnect = dlsym(pw_lib_handle, "pw_stream_disconnect");
    d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
    d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
    d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");

    if (!d_pw_init || !d_pw_loop_new || !d_pw_stream_new || !d_pw_stream_update_params ||
        !d_pw_stream_disconnect || !d_pw_properties_set) {
        dlclose(pw_lib_handle);
        pw_lib_handle = NULL;
        return 0;
    }

    return 1;
}

extern void on_state_changed_go(int id, enum pw_stream_state old, enum pw_stream_state state, char *error);
extern void on_format_go(int id, uint32_t format, uint32_t width, uint32_t height, uint32_t num, uint32_t den);
extern void on_process_go(int id);

struct go_stream_data {
    int id;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
};

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct go_stream_data *data = userdata;
    on_state_changed_go(data->id, old, state, (char*)error);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct go_stream_data *data = userdata;
    if (param == NULL || id != SPA_PARAM_Format) return;

    uint32_t media_type, media_subtype;
    if (spa_format_parse(param, &media_type, &media_subtype) < 0) return;
    if (media_type != SPA_MEDIA_TYPE_video || media_subtype != SPA_MEDIA_SUBTYPE_raw) return;

    struct spa_video_info_raw info;
    memset(&info, 0, sizeof(info));
    if (spa_format_video_raw_parse(param, &info) < 0) return;

    on_format_go(data->id, info.format, info.size.width, info.size.height,
        info.framerate.num, info.framerate.denom);
}

static void on_process_c(void *userdata) {
    struct go_stream_data *data = userdata;
    if (!data->stream) return;
    on_process_go(data->id);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

struct buffer_view {
    void *data;
    uint32_t size;
    uint32_t avail;
    int32_t stride;
};

static struct pw_buffer * dequeue_buffer(struct pw_stream *stream, struct buffer_view *v) {
    memset(v, 0, sizeof(*v));
    struct pw_buffer *b = d_pw_stream_dequeue_buffer(stream);
    if (b == NULL) return NULL;

    struct spa_buffer *buf = b->buffer;
    if (buf == NULL || buf->n_datas < 1) return b;

    struct spa_data *d = &buf->datas[0];
    uint32_t offset = 0;
    if (d->chunk != NULL) {
        offset = d->chunk->offset;
        v->size = d->chunk->size;
        v->stride = d->chunk->stride;
    }
    if (d->data != NULL && offset <= d->maxsize) {
        v->data = (uint8_t*)d->data + offset;
        v->avail = d->maxsize - offset;
    }
    return b;
}

static inline struct pw_stream * create_stream(struct pw_core *core, const char *name, struct pw_properties *props, struct go_stream_data *data) {
    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        data->stream = stream;
        d_pw_stream_add_listener(stream, &data->stream_listener, &stream_events, data);
    }
    return stream;
}

// One EnumFormat object; the layout is an enum choice whose first entry is
// the default.
static const struct spa_pod * build_format(struct spa_pod_builder *b, const uint32_t *formats, uint32_t n,
        uint32_t width, uint32_t height, uint32_t num, uint32_t den) {
    struct spa_pod_frame f[2];

    spa_pod_builder_push_object(b, &f[0], SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat);
    spa_pod_builder_add(b,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        0);

    spa_pod_builder_prop(b, SPA_FORMAT_VIDEO_format, 0);
    spa_pod_builder_push_choice(b, &f[1], SPA_CHOICE_Enum, 0);
    spa_pod_builder_id(b, formats[0]);
    for (uint32_t i = 0; i < n; i++) {
        spa_pod_builder_id(b, formats[i]);
    }
    spa_pod_builder_pop(b, &f[1]);

    spa_pod_builder_add(b,
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(width, height),
            &SPA_RECTANGLE(1, 1),
            &SPA_RECTANGLE(8192, 8192)),
        SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
            &SPA_FRACTION(num, den),
            &SPA_FRACTION(0, 1),
            &SPA_FRACTION(1000, 1)),
        0);

    return (const struct spa_pod *)spa_pod_builder_pop(b, &f[0]);
}

static int propose_formats(struct pw_stream *stream, int connected, uint32_t target_id,
        const uint32_t *formats, uint32_t n, uint32_t width, uint32_t height, uint32_t num, uint32_t den) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = build_format(&b, formats, n, width, height, num, den);
    if (params[0] == NULL) return -ENOSPC;

    if (connected) {
        return d_pw_stream_update_params(stream, params, 1);
    }
    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        target_id,
        PW_STREAM_FLAG_AUTOCONNECT |
        PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
}

static int iterate_loop(struct pw_loop *loop) {
    pw_loop_enter(loop);
    int res = pw_loop_iterate(loop, 0);
    pw_loop_leave(loop);
    return res;
}

// Accessors for Go
static inline void wrap_pw_init() { d_pw_init(NULL, NULL); }
static inline struct pw_loop * wrap_pw_loop_new() { return d_pw_loop_new(NULL); }
static inline struct pw_context * wrap_pw_context_new(struct pw_loop *loop) { return d_pw_context_new(loop, NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect_fd(struct pw_context *context, int fd) { return d_pw_context_connect_fd(context, fd, NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect(struct pw_context *context) { return d_pw_context_connect(context, NULL, 0); }
static inline struct pw_properties * wrap_pw_properties_new() { return d_pw_properties_new(NULL, NULL); }
static inline void wrap_pw_properties_set(struct pw_properties *p, const char *k, const char *v) { d_pw_properties_set(p, k, v); }
static inline void wrap_pw_stream_queue_buffer(struct pw_stream *stream, struct pw_buffer *b) { d_pw_stream_queue_buffer(stream, b); }
static inline void wrap_pw_stream_disconnect(struct pw_stream *stream) { d_pw_stream_disconnect(stream); }
static inline void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static inline void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static inline void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static inline void wrap_pw_loop_destroy(struct pw_loop *loop) { d_pw_loop_destroy(loop); }

*/
import "C"
import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"go2tv.app/portalcapture/capture"
	"go2tv.app/portalcapture/internal/logging"
	"go2tv.app/portalcapture/internal/stream"
)

var ErrLibraryNotLoaded = fmt.Errorf("%w: libpipewire-0.3.so.0 could not be loaded", capture.ErrTransportUnavailable)

const streamName = "portalcapture"

var spaFormats = map[capture.PixelLayout]C.uint32_t{
	capture.PixelRGBA8: C.SPA_VIDEO_FORMAT_RGBA,
	capture.PixelBGRA8: C.SPA_VIDEO_FORMAT_BGRA,
	capture.PixelRGBX8: C.SPA_VIDEO_FORMAT_RGBx,
	capture.PixelBGRX8: C.SPA_VIDEO_FORMAT_BGRx,
}

func layoutOf(spa C.uint32_t) capture.PixelLayout {
	for l, f := range spaFormats {
		if f == spa {
			return l
		}
	}
	return capture.PixelUnknown
}

// Transport is a stream.Transport over libpipewire. It owns a private loop
// that only runs inside Iterate, so every callback fires on the caller's
// goroutine.
type Transport struct {
	loop    *C.struct_pw_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core
	cData   *C.struct_go_stream_data

	id        int
	fd        int
	handler   stream.Handler
	target    capture.SourceHandle
	connected bool
	closed    bool
	streaming bool
	stateErr  error

	log *slog.Logger
}

var (
	streamsMu sync.Mutex
	streams   = make(map[int]*Transport)
	nextID    = 1
	libLoaded bool
	libMu     sync.Mutex
)

// IsAvailable checks if the PipeWire C library can be loaded.
func IsAvailable() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		libLoaded = true
		C.wrap_pw_init()
		return true
	}
	return false
}

// NewTransport takes ownership of fd, the remote returned by the portal. A
// negative fd connects to the default daemon instead.
func NewTransport(fd int, log *slog.Logger) (*Transport, error) {
	if !IsAvailable() {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		return nil, ErrLibraryNotLoaded
	}

	t := &Transport{fd: fd, log: logging.OrDiscard(log).With("component", "pipewire")}

	streamsMu.Lock()
	t.id = nextID
	nextID++
	streamsMu.Unlock()

	return t, nil
}

func (t *Transport) Connect(target capture.SourceHandle, props map[string]string, h stream.Handler) error {
	if t.closed || t.cData != nil {
		return capture.ErrInvalidState
	}
	t.handler = h
	t.target = target

	cleanupOnError := func(err error) error {
		t.teardown()
		return err
	}

	t.loop = C.wrap_pw_loop_new()
	if t.loop == nil {
		return cleanupOnError(errors.New("failed to create loop"))
	}

	t.context = C.wrap_pw_context_new(t.loop)
	if t.context == nil {
		return cleanupOnError(errors.New("failed to create context"))
	}

	if t.fd >= 0 {
		// pw_context_connect_fd takes ownership of the fd it is given
		dupFd, err := unix.Dup(t.fd)
		if err != nil {
			return cleanupOnError(fmt.Errorf("dup fd: %w", err))
		}
		t.core = C.wrap_pw_context_connect_fd(t.context, C.int(dupFd))
		if t.core == nil {
			_ = unix.Close(dupFd)
			return cleanupOnError(errors.New("failed to connect fd"))
		}
	} else {
		t.core = C.wrap_pw_context_connect(t.context)
		if t.core == nil {
			return cleanupOnError(errors.New("failed to connect to pipewire daemon"))
		}
	}

	name := C.CString(streamName)
	defer C.free(unsafe.Pointer(name))

	cprops := C.wrap_pw_properties_new()
	for k, v := range props {
		ck, cv := C.CString(k), C.CString(v)
		C.wrap_pw_properties_set(cprops, ck, cv)
		C.free(unsafe.Pointer(ck))
		C.free(unsafe.Pointer(cv))
	}

	t.cData = (*C.struct_go_stream_data)(C.calloc(1, C.sizeof_struct_go_stream_data))
	t.cData.id = C.int(t.id)

	streamsMu.Lock()
	streams[t.id] = t
	streamsMu.Unlock()

	if C.create_stream(t.core, name, cprops, t.cData) == nil {
		return cleanupOnError(errors.New("failed to create stream"))
	}

	t.log.Debug("stream created", "node", uint32(target), "remote_fd", t.fd)
	return nil
}

// ProposeFormats connects the stream on the first call and renegotiates on
// later ones. Size and rate are taken from the first format.
func (t *Transport) ProposeFormats(formats []capture.StreamFormat) error {
	if t.cData == nil || t.cData.stream == nil {
		return capture.ErrInvalidState
	}

	ids := make([]C.uint32_t, 0, len(formats))
	for _, f := range formats {
		if id, ok := spaFormats[f.Layout]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: no proposable pixel layout", capture.ErrInvalidOptions)
	}
	first := formats[0]

	connected := C.int(0)
	if t.connected {
		connected = 1
	}
	res := C.propose_formats(t.cData.stream, connected, C.uint32_t(t.target),
		&ids[0], C.uint32_t(len(ids)),
		C.uint32_t(first.Width), C.uint32_t(first.Height),
		C.uint32_t(first.FrameRateNum), C.uint32_t(first.FrameRateDen))
	if res < 0 {
		if t.connected {
			return fmt.Errorf("failed to update stream params: %d", int(res))
		}
		return fmt.Errorf("failed to connect stream: %d", int(res))
	}
	t.connected = true
	return nil
}

// Iterate runs the loop once without waiting.
func (t *Transport) Iterate() error {
	if t.loop == nil {
		return capture.ErrInvalidState
	}
	if res := C.iterate_loop(t.loop); res < 0 && res != -C.EINTR {
		return fmt.Errorf("loop iterate: %d", int(res))
	}
	return t.stateErr
}

func (t *Transport) Dequeue() (*stream.Buffer, bool) {
	if t.cData == nil || t.cData.stream == nil {
		return nil, false
	}
	var v C.struct_buffer_view
	b := C.dequeue_buffer(t.cData.stream, &v)
	if b == nil {
		return nil, false
	}
	buf := &stream.Buffer{
		Size:   uint32(v.size),
		Stride: int32(v.stride),
		Handle: b,
	}
	if v.data != nil {
		buf.Data = unsafe.Slice((*byte)(v.data), int(v.avail))
	}
	return buf, true
}

func (t *Transport) Release(b *stream.Buffer) {
	pb, ok := b.Handle.(*C.struct_pw_buffer)
	if !ok || t.cData == nil || t.cData.stream == nil {
		return
	}
	b.Data = nil
	C.wrap_pw_stream_queue_buffer(t.cData.stream, pb)
}

// Disconnect tears down in dependency order: stream, core, context, loop.
func (t *Transport) Disconnect() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.teardown()
	if t.fd >= 0 {
		err := unix.Close(t.fd)
		t.fd = -1
		if err != nil {
			return fmt.Errorf("close remote fd: %w", err)
		}
	}
	return nil
}

func (t *Transport) teardown() {
	if t.cData != nil {
		if t.cData.stream != nil {
			if t.connected {
				C.wrap_pw_stream_disconnect(t.cData.stream)
			}
			C.wrap_pw_stream_destroy(t.cData.stream)
			t.cData.stream = nil
		}
		C.free(unsafe.Pointer(t.cData))
		t.cData = nil
	}
	t.connected = false
	if t.core != nil {
		C.wrap_pw_core_disconnect(t.core)
		t.core = nil
	}
	if t.context != nil {
		C.wrap_pw_context_destroy(t.context)
		t.context = nil
	}
	if t.loop != nil {
		C.wrap_pw_loop_destroy(t.loop)
		t.loop = nil
	}

	streamsMu.Lock()
	delete(streams, t.id)
	streamsMu.Unlock()
}

func lookup(id C.int) *Transport {
	streamsMu.Lock()
	defer streamsMu.Unlock()
	return streams[int(id)]
}

var stateNames = map[C.enum_pw_stream_state]string{
	C.PW_STREAM_STATE_ERROR:       "error",
	C.PW_STREAM_STATE_UNCONNECTED: "unconnected",
	C.PW_STREAM_STATE_CONNECTING:  "connecting",
	C.PW_STREAM_STATE_PAUSED:      "paused",
	C.PW_STREAM_STATE_STREAMING:   "streaming",
}

//export on_state_changed_go
func on_state_changed_go(id C.int, old C.enum_pw_stream_state, state C.enum_pw_stream_state, cerr *C.char) {
	t := lookup(id)
	if t == nil {
		return
	}
	t.log.Debug("stream state changed", "from", stateNames[old], "to", stateNames[state])

	switch state {
	case C.PW_STREAM_STATE_ERROR:
		msg := "unknown error"
		if cerr != nil {
			msg = C.GoString(cerr)
		}
		if t.stateErr == nil {
			t.stateErr = fmt.Errorf("stream error: %s", msg)
		}
	case C.PW_STREAM_STATE_STREAMING:
		t.streaming = true
	case C.PW_STREAM_STATE_UNCONNECTED:
		if t.streaming && t.stateErr == nil {
			t.stateErr = errors.New("stream disconnected by server")
		}
	}
}

//export on_format_go
func on_format_go(id C.int, format, width, height, num, den C.uint32_t) {
	t := lookup(id)
	if t == nil || t.handler == nil {
		return
	}
	t.handler.FormatConfirmed(capture.StreamFormat{
		Layout:       layoutOf(format),
		Width:        uint32(width),
		Height:       uint32(height),
		FrameRateNum: uint32(num),
		FrameRateDen: uint32(den),
	})
}

//export on_process_go
func on_process_go(id C.int) {
	t := lookup(id)
	if t == nil || t.handler == nil {
		return
	}
	t.handler.BufferReady()
}

var _ stream.Transport = (*Transport)(nil)
