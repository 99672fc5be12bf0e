package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/safeh2o/swot-analysis-web/internal/config"
	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
	"github.com/safeh2o/swot-analysis-web/internal/workergrpc"
)

var appLogger = log.New(os.Stdout, "api ", log.LstdFlags|log.LUTC)

// kafkaWriter publishes job envelopes.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// statusWriter records queued and enqueue-failure states.
type statusWriter interface {
	Upsert(ctx context.Context, status jobstatus.Record) error
}

// statusRequester fetches the latest job status from the worker.
type statusRequester interface {
	RequestStatus(ctx context.Context, jobID string) (jobstatus.Snapshot, error)
}

// app wires HTTP handlers to Kafka, Redis, RabbitMQ and the worker gRPC service.
type app struct {
	cfg         config.API
	logger      *log.Logger
	writer      kafkaWriter
	statuses    statusWriter
	requester   statusRequester
	progress    workergrpc.WorkerStatusClient
	metrics     *apiMetrics
	kafkaWriter *kafka.Writer
	redisClient *redis.Client
	rabbitConn  *amqp.Connection
	grpcConn    *grpc.ClientConn
	checks      map[string]func(context.Context) error
}

// main boots the API process and manages graceful shutdown.
func main() {
	cfg, err := config.LoadAPI(appLogger)
	if err != nil {
		appLogger.Fatalf("config load failed: %v", err)
	}

	a, err := newApp(cfg, appLogger)
	if err != nil {
		appLogger.Fatalf("app init failed: %v", err)
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		a.logger.Println("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Printf("graceful shutdown failed: %v", err)
		}
	}()

	a.logger.Printf("starting API on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Fatalf("server failed: %v", err)
	}
	a.logger.Println("server stopped")
}

// newApp initializes all dependency clients.
func newApp(cfg config.API, logger *log.Logger) (*app, error) {
	logger.Println("initializing application dependencies")

	rabbitConn, err := amqp.Dial(cfg.Rabbit.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}

	rabbitChan, err := rabbitConn.Channel()
	if err != nil {
		_ = rabbitConn.Close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if _, err := rabbitChan.QueueDeclare(cfg.Rabbit.RequestQueue, true, false, false, false, nil); err != nil {
		_ = rabbitChan.Close()
		_ = rabbitConn.Close()
		return nil, fmt.Errorf("rabbitmq request queue declare failed: %w", err)
	}
	if err := rabbitChan.Close(); err != nil {
		logger.Printf("rabbitmq setup channel close failed: %v", err)
	}

	grpcConn, err := grpc.NewClient(
		cfg.WorkerGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(workergrpc.CallOptions()...),
	)
	if err != nil {
		_ = rabbitConn.Close()
		return nil, fmt.Errorf("worker grpc client init failed: %w", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
		WriteTimeout:           cfg.RequestTimeout,
		ReadTimeout:            cfg.RequestTimeout,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	a := &app{
		cfg:         cfg,
		logger:      logger,
		writer:      writer,
		statuses:    jobstatus.NewStore(redisClient, cfg.Redis.StatusTTL, logger),
		requester:   &rabbitStatusClient{conn: rabbitConn, queue: cfg.Rabbit.RequestQueue, timeout: cfg.Rabbit.ReplyTimeout, logger: logger},
		progress:    workergrpc.NewWorkerStatusClient(grpcConn),
		metrics:     newAPIMetrics(),
		kafkaWriter: writer,
		redisClient: redisClient,
		rabbitConn:  rabbitConn,
		grpcConn:    grpcConn,
	}
	a.checks = map[string]func(context.Context) error{
		"kafka":    a.checkKafka,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"rabbitmq": a.checkRabbit,
	}
	return a, nil
}

// close closes network clients during shutdown.
func (a *app) close() {
	a.logger.Println("closing dependencies")
	if a.kafkaWriter != nil {
		if err := a.kafkaWriter.Close(); err != nil {
			a.logger.Printf("kafka writer close failed: %v", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Printf("redis close failed: %v", err)
		}
	}
	if a.grpcConn != nil {
		if err := a.grpcConn.Close(); err != nil {
			a.logger.Printf("worker grpc close failed: %v", err)
		}
	}
	if a.rabbitConn != nil {
		if err := a.rabbitConn.Close(); err != nil {
			a.logger.Printf("rabbitmq connection close failed: %v", err)
		}
	}
}

// routes registers HTTP endpoints.
func (a *app) routes() http.Handler {
	a.logger.Println("registering routes: GET /healthz, POST /v1/uploads/{upload_id}/standardize, POST /v1/datasets/{dataset_id}/analyze, GET /v1/jobs/{job_id}/status, GET /v1/jobs/{job_id}/progress, GET /metrics")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.instrument("healthz", a.handleHealthz))
	mux.HandleFunc("POST /v1/uploads/{upload_id}/standardize", a.instrument("standardize", a.handleStandardize))
	mux.HandleFunc("POST /v1/datasets/{dataset_id}/analyze", a.instrument("analyze", a.handleAnalyze))
	mux.HandleFunc("GET /v1/jobs/{job_id}/status", a.instrument("status", a.handleJobStatus))
	mux.HandleFunc("GET /v1/jobs/{job_id}/progress", a.handleJobProgress)
	mux.Handle("GET /metrics", a.metrics.handler())
	return withCORS(mux)
}

// handleHealthz reports API dependency health (Kafka + Redis + RabbitMQ).
func (a *app) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
	defer cancel()

	checks := make(map[string]bool, len(a.checks))
	statusCode := http.StatusOK
	overall := "ok"
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			a.logger.Printf("healthz %s check failed: %v", name, err)
			checks[name] = false
			statusCode = http.StatusServiceUnavailable
			overall = "degraded"
			continue
		}
		checks[name] = true
	}

	a.logger.Printf("healthz result status=%s checks=%v", overall, checks)
	writeJSON(w, statusCode, map[string]any{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) checkKafka(ctx context.Context) error {
	var lastErr error
	for _, broker := range a.cfg.KafkaBrokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("broker %s: %w", broker, err)
			continue
		}
		_ = conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no kafka brokers configured")
	}
	return lastErr
}

func (a *app) checkRabbit(context.Context) error {
	ch, err := a.rabbitConn.Channel()
	if err != nil {
		return err
	}
	return ch.Close()
}
