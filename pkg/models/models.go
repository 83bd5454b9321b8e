package models

import "net/http"

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LevelFromStatus maps a response status to a log level: 5xx is an error, everything else info.
func LevelFromStatus(status int) Level {
	if status >= http.StatusInternalServerError {
		return LevelError
	}
	return LevelInfo
}

// LogEntry is one recorded request/response cycle. Entries are never modified after they are
// appended to a store.
type LogEntry struct {
	ID         string `json:"id"`
	Time       int64  `json:"time"`
	Level      Level  `json:"level"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	LatencyMs  int64  `json:"latencyMs"`
	RequestID  string `json:"requestId"`
	UserID     string `json:"userId,omitempty"`
	IP         string `json:"ip,omitempty"`
	Message    string `json:"message,omitempty"`
	Route      string `json:"route,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope of every failure produced by the gateway itself.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

type LogsResponse struct {
	Success bool       `json:"success"`
	Total   int        `json:"total"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
	Data    []LogEntry `json:"data"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}
