package logkeeper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.PanicLevel)
	exitCode := m.Run()
	os.Exit(exitCode)
}

// fakeReader hands out msgs, then blocks until the context ends.
type fakeReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

type fakeIndexer struct {
	mu   sync.Mutex
	docs map[string]string
	fail string
}

func (x *fakeIndexer) Index(ctx context.Context, id string, doc []byte) error {
	if id == x.fail {
		return errors.New("index unavailable")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[id] = string(doc)
	return nil
}

func (x *fakeIndexer) ids() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func TestKeeper_Run(t *testing.T) {
	reader := &fakeReader{
		errs: []error{errors.New("broker hiccup")},
		msgs: []kafka.Message{
			{Value: []byte(`{"id":"01A","method":"GET","url":"/api/v1/results","statusCode":200}`)},
			{Value: []byte(`not json`)},
			{Value: []byte(`{"method":"GET"}`)},
			{Value: []byte(`{"id":"01B","method":"POST","url":"/api/v1/inference/predict","statusCode":502}`)},
			{Value: []byte(`{"id":"01C","method":"GET","url":"/api/v1/capture/image","statusCode":200}`)},
		},
	}
	indexer := &fakeIndexer{docs: make(map[string]string), fail: "01C"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	k := New(reader, indexer, 3)
	k.retryDelay = time.Millisecond
	go func() {
		k.Run(ctx)
		close(done)
	}()

	want := []string{"01A", "01B"}
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Equal(indexer.ids(), want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("want Run to return after cancel")
	}

	if got := indexer.ids(); !slices.Equal(got, want) {
		t.Errorf("want indexed %v, got %v", want, got)
	}
	if doc := indexer.docs["01B"]; !strings.Contains(doc, `"statusCode":502`) {
		t.Errorf("want message stored verbatim, got %s", doc)
	}
}

type brokenReader struct {
	mu    sync.Mutex
	calls int
}

func (r *brokenReader) ReadMessage(context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return kafka.Message{}, errors.New("kafka: leader not available")
}

func TestKeeper_RunBacksOffOnReadErrors(t *testing.T) {
	reader := &brokenReader{}
	k := New(reader, &fakeIndexer{docs: make(map[string]string)}, 1)
	k.retryDelay = 20 * time.Millisecond
	k.maxRetryDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("want Run to return while backing off")
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	// 20+40+80ms of delay fit in the window before the 160ms one is cut short.
	if reader.calls < 2 || reader.calls > 6 {
		t.Errorf("want 2 to 6 reads in 200ms, got %d", reader.calls)
	}
}

func TestESIndexer_Index(t *testing.T) {
	var (
		mu        sync.Mutex
		gotMethod string
		gotPath   string
		gotBody   string
	)
	es := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, string(b)
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"type":"mapper_parsing_exception"},"status":400}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"_index":"gateway-logs","_id":"01A","result":"created"}`)
	}))
	defer es.Close()

	idx, err := NewESIndexer([]string{es.URL}, "gateway-logs")
	if err != nil {
		t.Fatalf("unexpected error from NewESIndexer: %v", err)
	}

	doc := `{"id":"01A","statusCode":200}`
	if err := idx.Index(context.Background(), "01A", []byte(doc)); err != nil {
		t.Fatalf("unexpected error from Index: %v", err)
	}

	mu.Lock()
	if gotMethod != http.MethodPut || gotPath != "/gateway-logs/_doc/01A" {
		t.Errorf("want PUT /gateway-logs/_doc/01A, got %s %s", gotMethod, gotPath)
	}
	if gotBody != doc {
		t.Errorf("want body %s, got %s", doc, gotBody)
	}
	mu.Unlock()

	if err := idx.Index(context.Background(), "bad", []byte(doc)); err == nil || !strings.Contains(err.Error(), "mapper_parsing_exception") {
		t.Errorf("want rejected document reported, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		conf    string
		wantErr bool
	}{
		{
			name: "valid",
			conf: `
kafkaBrokers = ["localhost:9092"]
elasticSearchNodes = ["http://localhost:9200"]
numWorkers = 2
`,
		},
		{name: "no brokers", conf: `elasticSearchNodes = ["http://localhost:9200"]`, wantErr: true},
		{
			name: "bad node",
			conf: `
kafkaBrokers = ["localhost:9092"]
elasticSearchNodes = ["localhost"]
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".toml")
			if err := os.WriteFile(path, []byte(tt.conf), 0o600); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			cfg, err := LoadConfig(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("want error %v, got %v", tt.wantErr, err)
			}
			if err == nil && (cfg.NumWorkers != 2 || cfg.KafkaTopic != "gateway-logs") {
				t.Errorf("want file values over defaults, got %+v", cfg)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(dir, "absent.toml")); err == nil {
		t.Error("want error for missing file")
	}
}
