// Package reqlog records one log entry per request/response cycle without holding up the
// response: entries are queued and written to the store, and optionally to Kafka. Every
// destination has its own queue and worker, so a slow one only loses its own entries.
package reqlog

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/metrics"
	"microplate/gateway/pkg/models"
)

const (
	DefaultQueueSize = 1024
	sinkTimeout      = 5 * time.Second
)

// Sink receives recorded entries. Every storage.Store is a Sink.
type Sink interface {
	Append(ctx context.Context, e models.LogEntry) error
}

type sinkWorker struct {
	name  string
	sink  Sink
	queue chan models.LogEntry
	done  chan struct{}
}

type Recorder struct {
	workers   []*sinkWorker
	queueSize int

	mu     sync.RWMutex
	closed bool
}

type Option func(*Recorder)

// WithSink adds a destination next to the store.
func WithSink(name string, s Sink) Option {
	return func(r *Recorder) {
		r.workers = append(r.workers, &sinkWorker{name: name, sink: s})
	}
}

// WithQueueSize sets the queue length of every destination.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// NewRecorder starts one background worker per destination, the store first. Close must be
// called to stop them.
func NewRecorder(store Sink, opts ...Option) *Recorder {
	r := &Recorder{
		workers:   []*sinkWorker{{name: "store", sink: store}},
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, w := range r.workers {
		w.queue = make(chan models.LogEntry, r.queueSize)
		w.done = make(chan struct{})
		go w.run()
	}
	return r
}

// Record queues e for every destination and returns immediately. A destination whose queue
// is full drops the entry.
func (r *Recorder) Record(e models.LogEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	for _, w := range r.workers {
		select {
		case w.queue <- e:
		default:
			metrics.LogEntriesDropped.WithLabelValues(w.name).Inc()
			log.Debugf("[reqlog] %s queue full, dropping log entry %s", w.name, e.ID)
		}
	}
}

// Close stops accepting entries and waits until the queued ones are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, w := range r.workers {
			close(w.queue)
		}
	}
	r.mu.Unlock()

	for _, w := range r.workers {
		<-w.done
	}
}

func (w *sinkWorker) run() {
	defer close(w.done)

	for e := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := w.sink.Append(ctx, e)
		cancel()
		if err != nil {
			metrics.LogSinkErrors.WithLabelValues(w.name).Inc()
			log.Warnf("[reqlog] failed to write log entry %s to %s: %v", e.ID, w.name, err)
		}
	}
}
