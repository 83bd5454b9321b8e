// Package logkeeper archives gateway log entries: it consumes them from Kafka and indexes them
// into Elasticsearch with a pool of workers.
package logkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/models"
)

const (
	indexTimeout = 10 * time.Second

	// Read failures are retried after retryDelay, doubled per consecutive failure up to
	// maxRetryDelay.
	retryDelay    = 500 * time.Millisecond
	maxRetryDelay = 30 * time.Second
)

type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Indexer stores one document under id.
type Indexer interface {
	Index(ctx context.Context, id string, doc []byte) error
}

// NewReader joins the consumer group of cfg.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
}

type ESIndexer struct {
	es    *elasticsearch.Client
	index string
}

func NewESIndexer(nodes []string, index string) (*ESIndexer, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: nodes})
	if err != nil {
		return nil, fmt.Errorf("error creating elasticsearch client: %w", err)
	}
	return &ESIndexer{es: es, index: index}, nil
}

// Index puts doc under id, so a redelivered entry overwrites its earlier copy.
func (x *ESIndexer) Index(ctx context.Context, id string, doc []byte) error {
	res, err := x.es.Index(
		x.index,
		bytes.NewReader(doc),
		x.es.Index.WithDocumentID(id),
		x.es.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("index %s/%s: %s: %s", x.index, id, res.Status(), body)
	}
	return nil
}

type Keeper struct {
	r       Reader
	idx     Indexer
	workers int

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func New(r Reader, idx Indexer, workers int) *Keeper {
	if workers < 1 {
		workers = 1
	}
	return &Keeper{r: r, idx: idx, workers: workers, retryDelay: retryDelay, maxRetryDelay: maxRetryDelay}
}

// Run consumes messages until ctx is cancelled. Messages already read are indexed before Run
// returns.
func (k *Keeper) Run(ctx context.Context) {
	jobs := make(chan kafka.Message, k.workers*5)
	var wg sync.WaitGroup
	wg.Add(k.workers)
	for workerID := 0; workerID < k.workers; workerID++ {
		go func(id int) {
			defer wg.Done()
			k.worker(jobs, id)
		}(workerID)
	}

	log.Info("[logkeeper] accepting logs...")
	delay := k.retryDelay
	for {
		msg, err := k.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				break
			}
			log.Errorf("[logkeeper] failed to read message from Kafka, retrying in %v: %v", delay, err)
			if !sleep(ctx, delay) {
				break
			}
			delay = min(delay*2, k.maxRetryDelay)
			continue
		}
		delay = k.retryDelay
		log.Debugf("[logkeeper] received message: %s", string(msg.Value))

		jobs <- msg
	}

	close(jobs)
	wg.Wait()
	log.Info("[logkeeper] all workers stopped")
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (k *Keeper) worker(jobs <-chan kafka.Message, workerID int) {
	for msg := range jobs {
		var entry models.LogEntry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			log.Errorf("[logkeeper][workerID:%d] failed to unmarshal log entry: %v", workerID, err)
			continue
		}
		if entry.ID == "" {
			log.Warnf("[logkeeper][workerID:%d] skipping log entry without id at offset %d", workerID, msg.Offset)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		err := k.idx.Index(ctx, entry.ID, msg.Value)
		cancel()
		if err != nil {
			log.Errorf("[logkeeper][workerID:%d] failed to index document %s: %v", workerID, entry.ID, err)
			continue
		}
		log.Debugf("[logkeeper][workerID:%d][%s] log entry indexed", workerID, entry.ID)
	}
}
