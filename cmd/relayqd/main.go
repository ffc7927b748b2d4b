// relayqd runs the relayq worker server together with a small HTTP
// facade for enqueueing tasks and inspecting their lifecycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/relayq/relayq"
)

type config struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Queues declares queues and their worker counts, e.g.
	// "default:2,critical:3".
	Queues string `env:"QUEUES" envDefault:"default:2"`

	// MongoURI enables the Mongo data sink for the generic CRUD handler
	// when set.
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"relayq"`

	LeaseDuration     time.Duration `env:"LEASE_DURATION" envDefault:"2m"`
	TerminalRetention time.Duration `env:"TERMINAL_RETENTION" envDefault:"2h"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"8s"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

// parseQueues parses "name:workers" pairs separated by commas.
func parseQueues(s string) (map[string]int, error) {
	queues := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, workers, found := strings.Cut(pair, ":")
		n := 1
		if found {
			v, err := cast.ToIntE(workers)
			if err != nil || v < 1 {
				return nil, fmt.Errorf("invalid worker count in queue spec %q", pair)
			}
			n = v
		}
		queues[name] = n
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("no queues configured")
	}
	return queues, nil
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("relayqd: parsing config: %v", err)
	}
	queues, err := parseQueues(cfg.Queues)
	if err != nil {
		log.Fatalf("relayqd: %v", err)
	}
	qnames := make([]string, 0, len(queues))
	for qname := range queues {
		qnames = append(qnames, qname)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	engine, err := relayq.NewEngine(redisClient, relayq.EngineConfig{
		Queues:            qnames,
		LeaseDuration:     cfg.LeaseDuration,
		TerminalRetention: cfg.TerminalRetention,
	})
	if err != nil {
		log.Fatalf("relayqd: %v", err)
	}
	defer engine.Close()

	var registryOpts []relayq.RegistryOption
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("relayqd: connecting to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		sink := relayq.NewMongoSink(mongoClient.Database(cfg.MongoDatabase))
		registryOpts = append(registryOpts, relayq.WithDataSink(sink))
	}
	registry := relayq.NewRegistry(registryOpts...)

	var logLevel relayq.LogLevel
	if err := logLevel.Set(cfg.LogLevel); err != nil {
		log.Fatalf("relayqd: %v", err)
	}
	srv := relayq.NewServer(engine, relayq.Config{
		Queues:          queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		LogLevel:        logLevel,
	})

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newRouter(engine),
	}
	go func() {
		log.Printf("relayqd: http facade listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("relayqd: http server: %v", err)
		}
	}()

	// Blocks until an exit signal is received, then drains the workers.
	if err := srv.Run(registry); err != nil {
		log.Fatalf("relayqd: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("relayqd: http shutdown: %v", err)
	}
}

func newRouter(engine *relayq.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/queue/enqueue", handleEnqueue(engine))
	r.Get("/queue/status/{task_id}", handleStatus(engine))
	r.Get("/queue/stats", handleStats(engine))
	return r
}

type enqueueRequest struct {
	QueueName string          `json:"queue_name"`
	TaskType  string          `json:"task_type"`
	TaskData  json.RawMessage `json:"task_data"`
	Priority  string          `json:"priority,omitempty"`
	// Delay is in seconds.
	Delay int64 `json:"delay,omitempty"`
}

func handleEnqueue(engine *relayq.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.TaskType == "" {
			writeError(w, http.StatusBadRequest, "task_type is required")
			return
		}
		var opts []relayq.Option
		if req.Priority != "" {
			var p relayq.Priority
			if err := p.UnmarshalText([]byte(req.Priority)); err != nil {
				writeError(w, http.StatusBadRequest, "invalid priority")
				return
			}
			opts = append(opts, relayq.WithPriority(p))
		}
		if req.Delay > 0 {
			opts = append(opts, relayq.WithDelay(time.Duration(req.Delay)*time.Second))
		}
		id, err := engine.Enqueue(r.Context(), req.QueueName, req.TaskType, req.TaskData, opts...)
		switch {
		case errors.Is(err, relayq.ErrQueueNotFound):
			writeError(w, http.StatusBadRequest, "unknown queue")
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
		}
	}
}

func handleStatus(engine *relayq.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := engine.TaskStatus(r.Context(), chi.URLParam(r, "task_id"))
		switch {
		case errors.Is(err, relayq.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "status lookup failed")
		default:
			writeJSON(w, http.StatusOK, info)
		}
	}
}

func handleStats(engine *relayq.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var qnames []string
		if qname := r.URL.Query().Get("queue_name"); qname != "" {
			qnames = append(qnames, qname)
		}
		stats, err := engine.QueueStats(r.Context(), qnames...)
		switch {
		case errors.Is(err, relayq.ErrQueueNotFound):
			writeError(w, http.StatusBadRequest, "unknown queue")
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "stats lookup failed")
		default:
			writeJSON(w, http.StatusOK, stats)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("relayqd: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
