package reqlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/metrics"
	"microplate/gateway/pkg/models"
	"microplate/gateway/pkg/storage/memdb"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.PanicLevel)
	exitCode := m.Run()
	os.Exit(exitCode)
}

func TestRecorder_PreservesOrder(t *testing.T) {
	store := memdb.New(100)
	rec := NewRecorder(store)

	for i := 0; i < 50; i++ {
		rec.Record(models.LogEntry{ID: fmt.Sprintf("%03d", i)})
	}
	rec.Close()

	got, _ := store.All(context.Background())
	if len(got) != 50 {
		t.Fatalf("want 50 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.ID != fmt.Sprintf("%03d", i) {
			t.Fatalf("want entry %03d at position %d, got %s", i, i, e.ID)
		}
	}

	// Recording after close is a no-op.
	rec.Record(models.LogEntry{ID: "late"})
	rec.Close()
}

type failingSink struct{}

func (failingSink) Append(context.Context, models.LogEntry) error {
	return errors.New("redis: connection refused")
}

type collectSink struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (s *collectSink) Append(_ context.Context, e models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func TestRecorder_SinkFailuresAreSwallowed(t *testing.T) {
	extra := &collectSink{}
	rec := NewRecorder(failingSink{}, WithSink("extra", extra))

	rec.Record(models.LogEntry{ID: "a"})
	rec.Record(models.LogEntry{ID: "b"})
	rec.Close()

	if len(extra.entries) != 2 {
		t.Errorf("want remaining sinks to receive 2 entries, got %d", len(extra.entries))
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Append(ctx context.Context, _ models.LogEntry) error {
	<-s.release
	return nil
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	rec := NewRecorder(sink, WithQueueSize(2))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			rec.Record(models.LogEntry{ID: fmt.Sprint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("want Record to never block on a slow sink")
	}

	close(sink.release)
	rec.Close()
}

type slowSink struct {
	collectSink
	delay time.Duration
}

func (s *slowSink) Append(ctx context.Context, e models.LogEntry) error {
	time.Sleep(s.delay)
	return s.collectSink.Append(ctx, e)
}

func TestRecorder_SlowSinkDoesNotStarveStore(t *testing.T) {
	store := memdb.New(200)
	archive := &slowSink{delay: 20 * time.Millisecond}
	rec := NewRecorder(store, WithSink("kafka", archive), WithQueueSize(8))

	for i := 0; i < 100; i++ {
		rec.Record(models.LogEntry{ID: fmt.Sprintf("%03d", i)})
		time.Sleep(time.Millisecond)
	}
	rec.Close()

	got, _ := store.All(context.Background())
	if len(got) != 100 {
		t.Errorf("want all 100 entries in the store, got %d", len(got))
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.entries) >= 100 {
		t.Errorf("want the slow sink to drop entries, got %d", len(archive.entries))
	}
}

func TestMiddleware_RecordsEntry(t *testing.T) {
	store := memdb.New(10)
	rec := NewRecorder(store)

	handler := rec.Middleware(func(r *http.Request) string { return "203.0.113.7" }, "/healthz")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				return
			}
			SetRoute(r.Context(), "/api/v1/results")
			Annotate(r.Context(), "upstream refused connection")
			w.WriteHeader(http.StatusBadGateway)
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/results/runs?plate=P-1", nil)
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("X-User-Id", "user-9")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec.Close()

	got, _ := store.All(context.Background())
	if len(got) != 1 {
		t.Fatalf("want 1 entry (health skipped), got %d", len(got))
	}

	e := got[0]
	if e.ID == "" || e.Time == 0 {
		t.Errorf("want id and time set, got %+v", e)
	}
	want := models.LogEntry{
		ID:         e.ID,
		Time:       e.Time,
		LatencyMs:  e.LatencyMs,
		Level:      models.LevelError,
		Method:     http.MethodPost,
		URL:        "/api/v1/results/runs?plate=P-1",
		StatusCode: http.StatusBadGateway,
		RequestID:  "req-1",
		UserID:     "user-9",
		IP:         "203.0.113.7",
		Message:    "upstream refused connection",
		Route:      "/api/v1/results",
	}
	if e != want {
		t.Errorf("want entry\n%+v\ngot\n%+v", want, e)
	}
}

func TestMiddleware_MethodLabel(t *testing.T) {
	rec := NewRecorder(memdb.New(10))
	defer rec.Close()

	handler := rec.Middleware(func(r *http.Request) string { return "203.0.113.7" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	other := metrics.RequestsTotal.WithLabelValues(metrics.NoRoute, "OTHER", "200")
	before := testutil.ToFloat64(other)
	for _, method := range []string{"BREW", "PROPFIND", "X-A1B2"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/teapot", nil))
	}
	if got := testutil.ToFloat64(other) - before; got != 3 {
		t.Errorf("want 3 requests counted as OTHER, got %v", got)
	}

	tests := map[string]string{
		http.MethodGet:     http.MethodGet,
		http.MethodOptions: http.MethodOptions,
		"get":              "OTHER",
		"BREW":             "OTHER",
	}
	for method, want := range tests {
		if got := methodLabel(method); got != want {
			t.Errorf("method %q: want label %q, got %q", method, want, got)
		}
	}
}

func TestLevelFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.Level
	}{
		{status: 200, want: models.LevelInfo},
		{status: 404, want: models.LevelInfo},
		{status: 499, want: models.LevelInfo},
		{status: 500, want: models.LevelError},
		{status: 504, want: models.LevelError},
	}
	for _, tt := range tests {
		if got := models.LevelFromStatus(tt.status); got != tt.want {
			t.Errorf("status %d: want level %q, got %q", tt.status, tt.want, got)
		}
	}
}

func TestNewID_SortsByCreation(t *testing.T) {
	now := time.Now()
	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, NewID(now))
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("want ids generated within the same millisecond to sort in creation order")
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("want unique ids, got duplicate %s", id)
		}
		seen[id] = true
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Append(t *testing.T) {
	fw := &fakeWriter{}
	p := &KafkaPublisher{w: fw}

	entry := models.LogEntry{ID: "01HX", Method: http.MethodGet, URL: "/api/v1/results", StatusCode: 200, Level: models.LevelInfo}
	if err := p.Append(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error from Append: %v", err)
	}
	p.Close()

	if len(fw.msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "01HX" {
		t.Errorf("want message key 01HX, got %q", fw.msgs[0].Key)
	}
	var got models.LogEntry
	if err := json.Unmarshal(fw.msgs[0].Value, &got); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if got != entry {
		t.Errorf("want entry %+v, got %+v", entry, got)
	}
	if !fw.closed {
		t.Error("want writer closed")
	}
}
