package protocol

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is an inbound device request.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
	ReceivedAt time.Time
}

// HeaderValue returns the first non-empty value among the spellings a
// terminal or reverse proxy may use for name: as given, with '_' and '-'
// swapped, and each of those with an "X-" prefix.
func (r *Request) HeaderValue(name string) string {
	if r.Header == nil {
		return ""
	}
	dashed := strings.ReplaceAll(name, "_", "-")
	underscored := strings.ReplaceAll(name, "-", "_")
	for _, key := range []string{name, dashed, underscored, "X-" + name, "X-" + dashed, "X-" + underscored} {
		if v := r.Header.Get(key); v != "" {
			return v
		}
		// Header.Get canonicalises; raw map keys set by non-Go clients may not be.
		if vs, ok := r.Header[key]; ok && len(vs) > 0 && vs[0] != "" {
			return vs[0]
		}
	}
	return ""
}

// Response is a codec's reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Text builds a text/plain response.
func Text(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

// NeutralOK is the protocol-neutral acknowledgement.
func NeutralOK() *Response {
	return Text(http.StatusOK, "OK")
}

// FromHTTP converts an HTTP request, reading at most maxBody bytes of body.
// Header names and values are kept verbatim.
func FromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedMessage, maxBody)
	}
	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// WriteHTTP writes resp to w.
func WriteHTTP(w http.ResponseWriter, resp *Response) {
	if resp == nil {
		resp = NeutralOK()
	}
	// Keys are copied as-is; some terminals match header names case-sensitively.
	for k, vs := range resp.Header {
		w.Header()[k] = append(w.Header()[k], vs...)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body) //nolint:errcheck // client may have disconnected
}
