package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/config"
	"microplate/gateway/pkg/logquery"
	"microplate/gateway/pkg/metrics"
	"microplate/gateway/pkg/models"
	"microplate/gateway/pkg/proxy"
	"microplate/gateway/pkg/ratelimit"
	"microplate/gateway/pkg/reqlog"
	"microplate/gateway/pkg/routes"
)

const logsPath = "/api/v1/logs"

type API struct {
	r   *mux.Router
	cfg *config.Config

	table *routes.Table
	fwd   *proxy.Forwarder
	logs  *logquery.Service
	rec   *reqlog.Recorder

	global *ratelimit.Limiter
	// limiters holds one limiter per route policy; routes sharing a policy share its counts.
	limiters map[*ratelimit.Policy]*ratelimit.Limiter
}

func New(cfg *config.Config, table *routes.Table, fwd *proxy.Forwarder, rec *reqlog.Recorder, logs *logquery.Service, counter ratelimit.Counter) *API {
	api := API{
		r:        mux.NewRouter().SkipClean(true).UseEncodedPath(),
		cfg:      cfg,
		table:    table,
		fwd:      fwd,
		logs:     logs,
		rec:      rec,
		limiters: make(map[*ratelimit.Policy]*ratelimit.Limiter),
	}

	if p := cfg.GlobalPolicy(); p != nil {
		api.global = ratelimit.New("global", *p, counter)
	}
	for _, e := range table.Entries() {
		if e.RateLimit == nil {
			continue
		}
		if _, ok := api.limiters[e.RateLimit]; !ok {
			api.limiters[e.RateLimit] = ratelimit.New(e.Name, *e.RateLimit, counter)
		}
	}

	api.endpoints()

	return &api
}

func (api *API) Router() *mux.Router {
	return api.r
}

// Handler is the router wrapped in the gateway's middleware chain.
func (api *API) Handler() http.Handler {
	var h http.Handler = api.r
	h = api.rateLimitMiddleware(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins:   api.cfg.CORS.Origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-User-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
		AllowCredentials: api.cfg.CORS.Credentials,
		MaxAge:           300,
	})(h)
	h = api.recoverMiddleware(h)
	h = api.rec.Middleware(api.clientIP, api.probePaths()...)(h)
	h = api.requestIDMiddleware(h)
	return h
}

func (api *API) endpoints() {
	api.r.HandleFunc(api.cfg.HealthPath, api.health).Methods(http.MethodGet, http.MethodHead)
	api.r.HandleFunc(api.cfg.ReadyPath, api.ready).Methods(http.MethodGet, http.MethodHead)
	if api.cfg.MetricsEnabled {
		api.r.Handle(api.cfg.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	api.r.HandleFunc(logsPath, api.queryLogs).Methods(http.MethodGet)
	api.r.HandleFunc(logsPath, api.clearLogs).Methods(http.MethodDelete)

	api.r.PathPrefix("/").HandlerFunc(api.proxy)
	api.r.NotFoundHandler = http.HandlerFunc(api.notFound)
}

func (api *API) probePaths() []string {
	paths := []string{api.cfg.HealthPath, api.cfg.ReadyPath}
	if api.cfg.MetricsEnabled {
		paths = append(paths, api.cfg.MetricsPath)
	}
	return paths
}

func (api *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// ready never reports a backend outage: log and counter backends fail open.
func (api *API) ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, readyResponse{Ready: true})
}

func (api *API) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("Route %s %s not found", r.Method, r.URL.Path))
}

func (api *API) queryLogs(w http.ResponseWriter, r *http.Request) {
	if !api.logsAuthorized(w, r) {
		return
	}

	res, err := api.logs.Query(r.Context(), logquery.ParseParams(r.URL.Query()))
	if err != nil {
		log.Errorf("[queryLogs][from:%v] error reading log store: %v", r.RemoteAddr, err)
		reqlog.Annotate(r.Context(), err.Error())
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to read logs")
		return
	}

	data := res.Data
	if data == nil {
		data = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, models.LogsResponse{
		Success: true,
		Total:   res.Total,
		Offset:  res.Offset,
		Limit:   res.Limit,
		Data:    data,
	})
}

func (api *API) clearLogs(w http.ResponseWriter, r *http.Request) {
	if !api.logsAuthorized(w, r) {
		return
	}

	if err := api.logs.Clear(r.Context()); err != nil {
		log.Errorf("[clearLogs][from:%v] error clearing log store: %v", r.RemoteAddr, err)
		reqlog.Annotate(r.Context(), err.Error())
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to clear logs")
		return
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (api *API) logsAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if api.cfg.Logs.Public || hasAuthorization(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authorization header is required")
	return false
}

func (api *API) proxy(w http.ResponseWriter, r *http.Request) {
	route, subPath, ok := api.table.Resolve(r.URL.Path)
	if !ok {
		api.notFound(w, r)
		return
	}
	reqlog.SetRoute(r.Context(), route.Prefix)

	if l := api.limiters[route.RateLimit]; l != nil && !api.allow(w, r, l) {
		return
	}

	if routes.RequiresAuth(route, subPath) && !hasAuthorization(r) {
		log.Debugf("[proxy][from:%v] missing authorization for %s %s", r.RemoteAddr, r.Method, r.URL.Path)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authorization header is required")
		return
	}

	resp, err := api.fwd.Forward(r, route, subPath)
	if err != nil {
		api.forwardFailed(w, r, route, err)
		return
	}
	defer resp.Body.Close()

	if _, err := proxy.Relay(w, resp); err != nil {
		metrics.UpstreamErrors.WithLabelValues(route.Name, "relay").Inc()
		reqlog.Annotate(r.Context(), err.Error())
		log.Warnf("[proxy][from:%v] error relaying response of %s %s: %v", r.RemoteAddr, r.Method, r.URL.Path, err)
	}
}

func (api *API) forwardFailed(w http.ResponseWriter, r *http.Request, route routes.Entry, err error) {
	reqlog.Annotate(r.Context(), err.Error())

	switch {
	case errors.Is(err, proxy.ErrBodyTooLarge):
		log.Debugf("[proxy][from:%v] %v", r.RemoteAddr, err)
		writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			fmt.Sprintf("Request body exceeds %d bytes", api.cfg.MaxBodyBytes))
	case errors.Is(err, proxy.ErrInvalidJSON):
		log.Debugf("[proxy][from:%v] %v", r.RemoteAddr, err)
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Request body is not valid JSON")
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		metrics.UpstreamErrors.WithLabelValues(route.Name, "timeout").Inc()
		log.Warnf("[proxy][from:%v] %v", r.RemoteAddr, err)
		writeError(w, http.StatusGatewayTimeout, CodeGatewayTimeout, "Upstream service did not respond in time")
	default:
		metrics.UpstreamErrors.WithLabelValues(route.Name, "unavailable").Inc()
		log.Errorf("[proxy][from:%v] %v", r.RemoteAddr, err)
		writeError(w, http.StatusBadGateway, CodeProxyError, "Upstream service unavailable")
	}
}

// allow applies l to the caller and writes the rejection when the limit is exceeded.
func (api *API) allow(w http.ResponseWriter, r *http.Request, l *ratelimit.Limiter) bool {
	now := time.Now()
	d := l.Allow(r.Context(), api.clientIP(r))
	ratelimit.SetHeaders(w, d, now)
	if d.Allowed {
		return true
	}

	p := l.Policy()
	metrics.RateLimited.WithLabelValues(p.Code).Inc()
	reqlog.Annotate(r.Context(), "rate limit exceeded: "+p.String())
	writeError(w, http.StatusTooManyRequests, p.Code, "Too many requests, please try again later")
	return false
}

func hasAuthorization(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get("Authorization")) != ""
}
