package proxy

import (
	"errors"
	"fmt"
)

var (
	ErrBodyTooLarge    = errors.New("request body too large")
	ErrInvalidJSON     = errors.New("request body is not valid JSON")
	ErrUpstreamTimeout = errors.New("upstream did not respond in time")
)

// ProxyError reports a failed forward. Err holds the cause and is never shown to clients.
type ProxyError struct {
	Method string
	URL    string
	Route  string
	Err    error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s %s (route %s): %v", e.Method, e.URL, e.Route, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}
