package logger

import "net/http"

// ResponseLogger remembers the status code and body size written through it.
type ResponseLogger struct {
	w           http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func New(w http.ResponseWriter) *ResponseLogger {
	return &ResponseLogger{w: w, status: http.StatusOK}
}

func (l *ResponseLogger) WriteHeader(code int) {
	if !l.wroteHeader {
		l.status = code
		// 1xx responses are informational; the final status is still to come.
		l.wroteHeader = code >= http.StatusOK
	}
	l.w.WriteHeader(code)
}

func (l *ResponseLogger) Write(b []byte) (int, error) {
	l.wroteHeader = true
	n, err := l.w.Write(b)
	l.bytes += int64(n)
	return n, err
}

func (l *ResponseLogger) Header() http.Header {
	return l.w.Header()
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush and deadlines.
func (l *ResponseLogger) Unwrap() http.ResponseWriter {
	return l.w
}

func (l *ResponseLogger) Status() int {
	return l.status
}

func (l *ResponseLogger) Bytes() int64 {
	return l.bytes
}

// Written reports whether a response has been started.
func (l *ResponseLogger) Written() bool {
	return l.wroteHeader
}
