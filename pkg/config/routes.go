package config

import (
	"fmt"
	"net/url"

	"microplate/gateway/pkg/ratelimit"
	"microplate/gateway/pkg/routes"
)

// Self-service auth endpoints that must work before the user holds a token.
var authSkipPaths = []string{"", "/login", "/register", "/forgot-password", "/reset-password", "/verify-email", "/health"}

func policy(l Limit, code string) *ratelimit.Policy {
	if l.Max <= 0 {
		return nil
	}
	return &ratelimit.Policy{Window: l.Window(), Max: l.Max, Code: code}
}

// RouteTable builds the gateway's route table from the configured upstreams and limits.
func (c *Config) RouteTable() (*routes.Table, error) {
	targets := make(map[string]*url.URL)
	for name, raw := range map[string]string{
		"auth":      c.Services.Auth,
		"images":    c.Services.Images,
		"inference": c.Services.Inference,
		"results":   c.Services.Results,
		"interface": c.Services.Interface,
		"capture":   c.Services.Capture,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s service url %q: %w", name, raw, err)
		}
		targets[name] = u
	}

	inference := policy(c.RateLimits.Inference, "INFERENCE_RATE_LIMIT_EXCEEDED")
	health := []string{"/health"}

	return routes.NewTable(
		routes.Entry{
			Name:          "auth",
			Prefix:        "/api/v1/auth",
			Target:        targets["auth"],
			Kind:          routes.Buffered,
			SkipAuthPaths: authSkipPaths,
			RateLimit:     policy(c.RateLimits.Auth, "AUTH_RATE_LIMIT_EXCEEDED"),
		},
		routes.Entry{
			Name:          "images",
			Prefix:        "/api/v1/images",
			Target:        targets["images"],
			Kind:          routes.Streaming,
			SkipAuthPaths: health,
		},
		routes.Entry{
			Name:      "inference",
			Prefix:    "/api/v1/inference/predict",
			Target:    targets["inference"],
			Kind:      routes.Streaming,
			RateLimit: inference,
		},
		routes.Entry{
			Name:          "inference",
			Prefix:        "/api/v1/inference",
			Target:        targets["inference"],
			Kind:          routes.Buffered,
			SkipAuthPaths: health,
			RateLimit:     inference,
		},
		routes.Entry{
			Name:          "results",
			Prefix:        "/api/v1/results",
			Target:        targets["results"],
			Kind:          routes.Buffered,
			SkipAuthPaths: health,
		},
		routes.Entry{
			Name:          "interface",
			Prefix:        "/api/v1/interface",
			Target:        targets["interface"],
			Kind:          routes.Buffered,
			SkipAuthPaths: health,
		},
		routes.Entry{
			Name:          "capture",
			Prefix:        "/api/v1/capture",
			Target:        targets["capture"],
			Kind:          routes.Streaming,
			SkipAuthPaths: health,
			RateLimit:     policy(c.RateLimits.Capture, "CAPTURE_RATE_LIMIT_EXCEEDED"),
		},
		routes.Entry{
			Name:   "capture",
			Prefix: "/api/v1/stream",
			Target: targets["capture"],
			Kind:   routes.Streaming,
		},
	)
}

// GlobalPolicy is the gateway-wide limit applied before routing, nil when disabled.
func (c *Config) GlobalPolicy() *ratelimit.Policy {
	return policy(c.RateLimits.Global, ratelimit.DefaultCode)
}
