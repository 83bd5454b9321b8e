package reqlog

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"microplate/gateway/pkg/logger"
	"microplate/gateway/pkg/metrics"
	"microplate/gateway/pkg/models"
)

type ctxKeyNote struct{}

// note carries what handlers further down the chain learn about a request.
type note struct {
	mu      sync.Mutex
	message string
	route   string
}

func noteFrom(ctx context.Context) *note {
	n, _ := ctx.Value(ctxKeyNote{}).(*note)
	return n
}

// Annotate sets the message of the request's log entry.
func Annotate(ctx context.Context, message string) {
	if n := noteFrom(ctx); n != nil {
		n.mu.Lock()
		n.message = message
		n.mu.Unlock()
	}
}

// SetRoute records the route prefix the request was matched to.
func SetRoute(ctx context.Context, prefix string) {
	if n := noteFrom(ctx); n != nil {
		n.mu.Lock()
		n.route = prefix
		n.mu.Unlock()
	}
}

// methodLabel folds methods outside RFC 9110 into one label value.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	}
	return "OTHER"
}

// Middleware times every request and records a log entry once the response is finished.
// Requests to skipPaths are measured but not recorded. clientIP resolves the caller address.
func (rec *Recorder) Middleware(clientIP func(*http.Request) string, skipPaths ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := logger.New(w)
			n := &note{}
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyNote{}, n))

			metrics.InFlight.Inc()
			defer func() {
				metrics.InFlight.Dec()

				end := time.Now()
				latency := end.Sub(start)

				n.mu.Lock()
				route, message := n.route, n.message
				n.mu.Unlock()

				label := route
				if label == "" {
					label = metrics.NoRoute
				}
				metrics.RequestsTotal.WithLabelValues(label, methodLabel(r.Method), strconv.Itoa(lw.Status())).Inc()
				metrics.RequestDuration.WithLabelValues(label).Observe(latency.Seconds())

				if slices.Contains(skipPaths, r.URL.Path) {
					return
				}

				rec.Record(models.LogEntry{
					ID:         NewID(end),
					Time:       end.UnixMilli(),
					Level:      models.LevelFromStatus(lw.Status()),
					Method:     r.Method,
					URL:        r.URL.RequestURI(),
					StatusCode: lw.Status(),
					LatencyMs:  latency.Milliseconds(),
					RequestID:  r.Header.Get("X-Request-Id"),
					UserID:     r.Header.Get("X-User-Id"),
					IP:         clientIP(r),
					Message:    message,
					Route:      route,
				})
			}()

			next.ServeHTTP(lw, r)
		})
	}
}
