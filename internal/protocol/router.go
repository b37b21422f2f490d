package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/biogate/internal/device"
)

// Codec decodes one brand's requests and encodes its responses.
//
// Handle must always return a response suitable for the device. When it
// also returns an error the Router logs it; the response is still sent.
type Codec interface {
	Name() string
	Match(r *Request) bool
	Handle(ctx context.Context, r *Request) (*Response, error)
}

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DispatchObserver is told the outcome of each dispatch. codec is empty for
// unrecognized requests.
type DispatchObserver func(codec string, err error, elapsed time.Duration)

// Router selects exactly one codec per request.
type Router struct {
	mu       sync.RWMutex
	codecs   []Codec
	logger   Logger
	observer DispatchObserver
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{logger: noopLogger{}}
}

// SetLogger sets the logger for the router.
func (rt *Router) SetLogger(logger Logger) {
	rt.logger = logger
}

// SetObserver registers a dispatch observer (used for metrics).
func (rt *Router) SetObserver(obs DispatchObserver) {
	rt.observer = obs
}

// Register adds a codec.
func (rt *Router) Register(c Codec) {
	rt.mu.Lock()
	rt.codecs = append(rt.codecs, c)
	rt.mu.Unlock()
}

// Select returns the single codec matching r.
func (rt *Router) Select(r *Request) (Codec, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var matched []Codec
	for _, c := range rt.codecs {
		if c.Match(r) {
			matched = append(matched, c)
		}
	}
	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return nil, ErrUnrecognizedProtocol
	default:
		names := make([]string, len(matched))
		for i, c := range matched {
			names[i] = c.Name()
		}
		return nil, fmt.Errorf("%w: ambiguous match %v", ErrUnrecognizedProtocol, names)
	}
}

// Dispatch routes r and always returns a response.
func (rt *Router) Dispatch(ctx context.Context, r *Request) *Response {
	start := time.Now()

	codec, err := rt.Select(r)
	if err != nil {
		rt.logger.Warn("unrecognized device request",
			"method", r.Method, "path", r.Path, "remote", r.RemoteAddr, "error", err)
		rt.observe("", err, time.Since(start))
		return NeutralOK()
	}

	resp, err := codec.Handle(ctx, r)
	if err != nil {
		level := rt.logger.Error
		if errors.Is(err, ErrMalformedMessage) || errors.Is(err, device.ErrUnknownDevice) {
			level = rt.logger.Warn
		}
		level("device request failed", "codec", codec.Name(), "path", r.Path, "remote", r.RemoteAddr, "error", err)
	}
	rt.observe(codec.Name(), err, time.Since(start))

	if resp == nil {
		return NeutralOK()
	}
	return resp
}

func (rt *Router) observe(codec string, err error, elapsed time.Duration) {
	if rt.observer != nil {
		rt.observer(codec, err, elapsed)
	}
}
