package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/api"
	"microplate/gateway/pkg/config"
	"microplate/gateway/pkg/logquery"
	"microplate/gateway/pkg/proxy"
	"microplate/gateway/pkg/ratelimit"
	"microplate/gateway/pkg/reqlog"
	"microplate/gateway/pkg/storage"
	"microplate/gateway/pkg/storage/memdb"
	"microplate/gateway/pkg/storage/redisdb"
)

func main() {
	var (
		configPath string
		httpAddr   string
		logLevel   string
	)

	flag.StringVar(&configPath, "config", "cmd/server/config.toml", "Path to TOML config file")
	flag.StringVar(&httpAddr, "http", "", "HTTP server address in the form 'host:port'.")
	flag.StringVar(&logLevel, "log", "", "Log level: debug, info, warn, error.")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	// Override config with flags if set
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("[server] %v", err)
	}

	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	log.Debugf("[server] config: %v", cfg)

	table, err := cfg.RouteTable()
	if err != nil {
		log.Fatalf("[server] failed to build route table: %v", err)
	}
	for _, e := range table.Entries() {
		log.Infof("[server] route %s -> %s (%s)", e.Prefix, e.Target, e.Kind)
	}

	var (
		store   storage.Store
		counter ratelimit.Counter = ratelimit.NewMemoryCounter()
		rdb     *redis.Client
	)
	if cfg.Logs.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = redisdb.Connect(ctx, cfg.Logs.RedisURL)
		cancel()
		if err != nil {
			log.Fatalf("[server] %v", err)
		}
		store = redisdb.New(rdb, cfg.Logs.RedisKey, cfg.Logs.RedisCapacity)
		counter = ratelimit.NewRedisCounter(rdb, "")
		log.Infof("[server] request logs and rate limits shared through redis, keeping %d entries", cfg.Logs.RedisCapacity)
	} else {
		store = memdb.New(cfg.Logs.Capacity)
		log.Infof("[server] request logs kept in memory, %d entries", cfg.Logs.Capacity)
	}

	var opts []reqlog.Option
	var publisher *reqlog.KafkaPublisher
	if cfg.Kafka.Addr != "" && cfg.Kafka.Topic != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := reqlog.CreateTopic(ctx, cfg.Kafka.Addr, cfg.Kafka.Topic); err != nil {
			log.Warnf("[server] failed to create Kafka topic: %v", err)
		}
		cancel()
		publisher = reqlog.NewKafkaPublisher(cfg.Kafka.Addr, cfg.Kafka.Topic, cfg.Kafka.Batch)
		opts = append(opts, reqlog.WithSink("kafka", publisher))
	} else {
		log.Warnf("[server] kafka was not configured, logs will not be archived")
	}
	recorder := reqlog.NewRecorder(store, opts...)

	fwd := proxy.New(
		proxy.WithTimeout(cfg.UpstreamTimeout()),
		proxy.WithMaxBufferedBody(cfg.MaxBodyBytes),
	)

	api := api.New(cfg, table, fwd, recorder, logquery.New(store), counter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("[server] starting on %v", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[server] failed to start: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[server] HTTP server shutdown error: %v", err)
	} else {
		log.Info("[server] HTTP server shut down gracefully")
	}

	recorder.Close()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Errorf("[server] failed to close Kafka writer: %v", err)
		}
	}
	if rdb != nil {
		rdb.Close()
	}
}
