package api

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
)

type ctxKeyRequestID struct{}

var RequestIDKey = ctxKeyRequestID{}

// requestIDMiddleware also puts the ID on the request header so that it reaches the upstream
// and the request log.
func (api *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			id, err := uuid.NewV4()
			if err != nil {
				log.Errorf("[requestIDMiddleware] failed to generate request ID for %v: %v", r.RemoteAddr, err)
				writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
				return
			}
			reqID = id.String()
			log.Debugf("[requestIDMiddleware] generated request ID:%s for %v", reqID, r.RemoteAddr)
			r.Header.Set("X-Request-Id", reqID)
		}

		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), RequestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (api *API) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}

			log.Errorf("[recoverMiddleware][from:%v] panic serving %s %s: %v\n%s", r.RemoteAddr, r.Method, r.URL.Path, rv, debug.Stack())
			if sw, ok := w.(interface{ Written() bool }); ok && sw.Written() {
				return
			}
			writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
		}()

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the global policy to everything but the probe endpoints.
func (api *API) rateLimitMiddleware(next http.Handler) http.Handler {
	if api.global == nil {
		return next
	}
	skip := api.probePaths()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || slices.Contains(skip, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if api.allow(w, r, api.global) {
			next.ServeHTTP(w, r)
		}
	})
}

// clientIP is the first X-Forwarded-For hop when the gateway sits behind a trusted proxy,
// otherwise the peer address.
func (api *API) clientIP(r *http.Request) string {
	if api.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
