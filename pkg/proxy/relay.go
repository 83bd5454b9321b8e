package proxy

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

const relayBufferSize = 32 << 10

// gatewayHeaders keep the value the gateway set when the upstream sends them too.
var gatewayHeaders = map[string]bool{
	"X-Request-Id":        true,
	"Ratelimit-Limit":     true,
	"Ratelimit-Remaining": true,
	"Ratelimit-Reset":     true,
}

// Relay writes resp to w unchanged: every header, the status code and the body. An upstream
// header replaces one already set on w, except for gatewayHeaders and Vary, which is merged.
// Streamed responses are flushed after every chunk. It returns the number of body bytes written.
func Relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	dst := w.Header()
	for k, vv := range resp.Header {
		k = http.CanonicalHeaderKey(k)
		switch {
		case gatewayHeaders[k] && dst.Get(k) != "":
			continue
		case k != "Vary":
			dst.Del(k)
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}

	announced := len(resp.Trailer)
	if announced > 0 {
		keys := make([]string, 0, announced)
		for k := range resp.Trailer {
			keys = append(keys, k)
		}
		dst.Add("Trailer", strings.Join(keys, ", "))
	}

	w.WriteHeader(resp.StatusCode)

	n, err := copyBody(w, resp.Body, isStream(resp))

	// Trailers are only known once the body has been read.
	for k, vv := range resp.Trailer {
		if announced == 0 {
			k = http.TrailerPrefix + k
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}

	return n, err
}

func isStream(resp *http.Response) bool {
	if resp.ContentLength == -1 {
		return true
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mt == "text/event-stream" || mt == "multipart/x-mixed-replace"
}

func copyBody(w http.ResponseWriter, body io.Reader, flush bool) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, relayBufferSize)

	var written int64
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if flush {
				if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					return written, err
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
