// Package proxy forwards requests to upstream services and relays their responses.
//
// Small JSON and form bodies on buffered routes are read and re-serialized before forwarding.
// Every other body is handed to the outbound request as the inbound stream itself, so the
// transport reads from the client only as fast as it can write to the upstream and a large
// upload is never held in memory.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"microplate/gateway/pkg/routes"
)

const DefaultMaxBufferedBody = 10 << 20

type Forwarder struct {
	client  *http.Client
	maxBody int64
	timeout time.Duration
}

type Option func(*Forwarder)

// WithClient replaces the outbound HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithTimeout bounds the wait for upstream response headers. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.timeout = d }
}

// WithMaxBufferedBody limits the size of bodies that are read for re-serialization.
func WithMaxBufferedBody(n int64) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

func New(opts ...Option) *Forwarder {
	f := &Forwarder{
		client:  NewClient(),
		maxBody: DefaultMaxBufferedBody,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewClient returns a client suited for proxying: redirects are handed back to the caller
// and response bodies are never decompressed.
func NewClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableCompression = true
	tr.MaxIdleConnsPerHost = 32

	return &http.Client{
		Transport: tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *Forwarder) Client() *http.Client {
	return f.client
}

// Forward sends r to the route's upstream. subPath is the part of the request path after the
// route prefix. The caller must close the returned response body.
func (f *Forwarder) Forward(r *http.Request, route routes.Entry, subPath string) (*http.Response, error) {
	target := upstreamURL(route, subPath, r.URL)
	perr := func(err error) error {
		return &ProxyError{Method: r.Method, URL: target.String(), Route: route.Prefix, Err: err}
	}

	body, length, err := f.outboundBody(r, route)
	if err != nil {
		return nil, perr(err)
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		cancel(nil)
		return nil, perr(err)
	}
	outReq.ContentLength = length
	if length == 0 {
		outReq.Body = http.NoBody
	}
	outReq.Header = outboundHeader(r)

	var timer *time.Timer
	if f.timeout > 0 {
		timer = time.AfterFunc(f.timeout, func() { cancel(ErrUpstreamTimeout) })
	}

	resp, err := f.client.Do(outReq)
	if timer != nil && !timer.Stop() && err == nil {
		// Headers arrived just as the deadline fired; the body is already cancelled.
		resp.Body.Close()
		err = ErrUpstreamTimeout
	}
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrUpstreamTimeout) {
			err = ErrUpstreamTimeout
		}
		cancel(nil)
		return nil, perr(err)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// outboundBody returns the body to send upstream and its length, -1 when unknown.
func (f *Forwarder) outboundBody(r *http.Request, route routes.Entry) (io.Reader, int64, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil || r.Body == http.NoBody {
		return nil, 0, nil
	}

	if route.Kind == routes.Buffered {
		switch contentClass(r.Header.Get("Content-Type")) {
		case classJSON:
			b, err := f.readLimited(r.Body)
			if err != nil {
				return nil, 0, err
			}
			if len(bytes.TrimSpace(b)) == 0 {
				return nil, 0, nil
			}
			var out bytes.Buffer
			if err := json.Compact(&out, b); err != nil {
				return nil, 0, ErrInvalidJSON
			}
			return &out, int64(out.Len()), nil

		case classForm:
			b, err := f.readLimited(r.Body)
			if err != nil {
				return nil, 0, err
			}
			// Unparseable forms go upstream untouched; the owner decides how to reject them.
			if values, err := url.ParseQuery(string(b)); err == nil {
				b = []byte(values.Encode())
			}
			return bytes.NewReader(b), int64(len(b)), nil
		}
	}

	return r.Body, r.ContentLength, nil
}

func (f *Forwarder) readLimited(body io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(body, f.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > f.maxBody {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

type bodyClass int

const (
	classRaw bodyClass = iota
	classJSON
	classForm
)

func contentClass(contentType string) bodyClass {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return classRaw
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return classJSON
	case mt == "application/x-www-form-urlencoded":
		return classForm
	}
	return classRaw
}

func upstreamURL(route routes.Entry, subPath string, in *url.URL) *url.URL {
	u := *route.Target
	u.Path = strings.TrimRight(route.Target.Path, "/") + route.UpstreamPath(subPath)
	u.RawPath = ""
	// Escapes such as %2F must reach the upstream as sent.
	if in.RawPath != "" {
		if rawSub, ok := strings.CutPrefix(in.EscapedPath(), route.Prefix); ok {
			u.RawPath = strings.TrimRight(route.Target.EscapedPath(), "/") + route.UpstreamPath(rawSub)
		}
	}
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return &u
}

// Headers that only make sense for a single hop, plus Host and Expect which the outbound
// request manages itself.
var hopByHopHeaders = []string{
	"Connection",
	"Expect",
	"Host",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func cloneHeaderNoHop(header http.Header) http.Header {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}

	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
	// Header keys not in canonical form survive Del.
	for k := range h {
		switch strings.ToLower(k) {
		case "host", "expect":
			delete(h, k)
		}
	}

	return h
}

func outboundHeader(r *http.Request) http.Header {
	h := cloneHeaderNoHop(r.Header)

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)

	// Keep the client from announcing the Go user agent on behalf of the caller.
	if _, ok := h["User-Agent"]; !ok {
		h.Set("User-Agent", "")
	}

	return h
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}
