package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/grpc"

	"github.com/safeh2o/swot-analysis-web/internal/blobstore"
	"github.com/safeh2o/swot-analysis-web/internal/config"
	"github.com/safeh2o/swot-analysis-web/internal/datapoint"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
	"github.com/safeh2o/swot-analysis-web/internal/launcher"
	"github.com/safeh2o/swot-analysis-web/internal/store"
	"github.com/safeh2o/swot-analysis-web/internal/workergrpc"
)

// appLogger is the process-wide logger used across startup and runtime paths.
var appLogger = log.New(os.Stdout, "worker ", log.LstdFlags|log.LUTC)

// kafkaConsumer abstracts kafka.Reader for testability of commit behavior.
type kafkaConsumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// statusStore reads and writes transient job status.
type statusStore interface {
	Upsert(ctx context.Context, status jobstatus.Record) error
	Snapshot(ctx context.Context, jobID string) (jobstatus.Snapshot, error)
}

// resultStore writes durable final job results.
type resultStore interface {
	Upsert(ctx context.Context, doc store.JobResult) (bool, error)
}

type uploadStore interface {
	Get(ctx context.Context, id primitive.ObjectID) (store.Upload, error)
	SetStatus(ctx context.Context, id primitive.ObjectID, status, message string) error
	MarkReady(ctx context.Context, id primitive.ObjectID, files, datapoints int) error
}

type datapointStore interface {
	ReplaceUpload(ctx context.Context, upload primitive.ObjectID, records []datapoint.Record, batch int) (int, error)
	FindWindow(ctx context.Context, fieldsite primitive.ObjectID, start, end *time.Time) ([]datapoint.Record, error)
}

type datasetStore interface {
	Get(ctx context.Context, id primitive.ObjectID) (store.Dataset, error)
	RecordBuild(ctx context.Context, id primitive.ObjectID, blobName string, datapoints int) error
	SetAnalysisStatus(ctx context.Context, id primitive.ObjectID, method string, status store.AnalysisStatus) error
}

// blobStore is the object storage used for uploaded files and analysis inputs.
type blobStore interface {
	List(ctx context.Context, bucket, prefix string) ([]blobstore.Object, error)
	Open(ctx context.Context, bucket, name string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) error
}

// containerLauncher starts one analysis container.
type containerLauncher interface {
	Launch(ctx context.Context, req launcher.Request) (string, error)
}

// worker wires the consumer loop with typed job handlers and stores.
type worker struct {
	cfg         config.Worker
	logger      *log.Logger
	consumer    kafkaConsumer
	redisClient *redis.Client
	mongoClient *mongo.Client
	rabbitConn  *amqp.Connection
	rabbitChan  *amqp.Channel
	docker      *launcher.Launcher
	statusStore statusStore
	resultStore resultStore
	uploads     uploadStore
	datapoints  datapointStore
	datasets    datasetStore
	blobs       blobStore
	launcher    containerLauncher
	resolver    datapoint.Resolver
	metrics     *workerMetrics
	handlers    map[string]jobHandler
}

// jobHandler executes job-type-specific processing.
type jobHandler func(ctx context.Context, job jobs.Envelope) (jobExecutionResult, error)

// jobExecutionResult carries normalized input and output for persistence.
type jobExecutionResult struct {
	Input   map[string]any
	Output  map[string]any
	Message string
}

// main boots the worker and handles graceful shutdown signals.
func main() {
	cfg, err := config.LoadWorker(appLogger)
	if err != nil {
		appLogger.Fatalf("config load failed: %v", err)
	}

	w, err := newWorker(cfg, appLogger)
	if err != nil {
		appLogger.Fatalf("worker init failed: %v", err)
	}
	defer w.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.run(ctx); err != nil {
		appLogger.Fatalf("worker runtime failed: %v", err)
	}
	appLogger.Println("worker stopped cleanly")
}

// newWorker builds dependency clients, stores, and handler registry.
func newWorker(cfg config.Worker, logger *log.Logger) (*worker, error) {
	if len(cfg.Kafka.Topics) == 0 {
		return nil, errors.New("at least one kafka topic must be configured")
	}

	rule, err := datapoint.RuleByName(cfg.Analysis.DedupRule)
	if err != nil {
		return nil, err
	}

	w := &worker{
		cfg:      cfg,
		logger:   logger,
		resolver: datapoint.Resolver{Rule: rule, Distinct: cfg.Analysis.Distinct},
		metrics:  newWorkerMetrics(),
	}

	w.consumer = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		GroupTopics: cfg.Kafka.Topics,
		MinBytes:    cfg.Kafka.MinBytes,
		MaxBytes:    cfg.Kafka.MaxBytes,
		MaxWait:     cfg.Kafka.MaxWait,
	})

	w.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.ConnectTimeout)
	defer cancel()

	if err := w.redisClient.Ping(ctx).Err(); err != nil {
		w.close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	w.mongoClient, err = store.Connect(ctx, cfg.Mongo)
	if err != nil {
		w.close()
		return nil, err
	}

	stores, err := store.Open(ctx, w.mongoClient.Database(cfg.Mongo.Database), cfg.Collections, logger)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("mongo index ensure failed: %w", err)
	}

	blobs, err := blobstore.New(cfg.Storage, logger)
	if err != nil {
		w.close()
		return nil, err
	}
	if err := blobs.EnsureBucket(ctx, cfg.Analysis.SourceBucket); err != nil {
		w.close()
		return nil, err
	}

	w.rabbitConn, err = amqp.Dial(cfg.Rabbit.URL)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}

	w.rabbitChan, err = w.rabbitConn.Channel()
	if err != nil {
		w.close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}

	if err := configureProgressChannel(w.rabbitChan, cfg.Rabbit); err != nil {
		w.close()
		return nil, err
	}

	if cfg.Launcher.Enabled {
		w.docker, err = launcher.New(cfg.Launcher, logger)
		if err != nil {
			w.close()
			return nil, err
		}
		w.launcher = w.docker
	}

	w.statusStore = jobstatus.NewStore(w.redisClient, cfg.Redis.StatusTTL, logger)
	w.resultStore = stores.JobResults
	w.uploads = stores.Uploads
	w.datapoints = stores.Datapoints
	w.datasets = stores.Datasets
	w.blobs = blobs

	w.handlers = map[string]jobHandler{
		jobs.TypeStandardize: w.handleStandardizeJob,
		jobs.TypeAnalysis:    w.handleAnalysisJob,
	}

	logger.Printf(
		"worker initialized topics=%v group_id=%s progress_request_queue=%s launcher_enabled=%t",
		cfg.Kafka.Topics,
		cfg.Kafka.GroupID,
		cfg.Rabbit.RequestQueue,
		cfg.Launcher.Enabled,
	)
	return w, nil
}

// configureProgressChannel applies required QoS and queue declarations for progress requests.
func configureProgressChannel(ch *amqp.Channel, cfg config.Rabbit) error {
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.RequestQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq request queue declare failed: %w", err)
	}
	return nil
}

// close releases broker, store and Docker resources during shutdown.
func (w *worker) close() {
	w.logger.Println("closing worker dependencies")
	if w.rabbitChan != nil {
		if err := w.rabbitChan.Close(); err != nil {
			w.logger.Printf("rabbit channel close failed: %v", err)
		}
	}
	if w.rabbitConn != nil {
		if err := w.rabbitConn.Close(); err != nil {
			w.logger.Printf("rabbit connection close failed: %v", err)
		}
	}
	if w.consumer != nil {
		if err := w.consumer.Close(); err != nil {
			w.logger.Printf("kafka consumer close failed: %v", err)
		}
	}
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.logger.Printf("redis close failed: %v", err)
		}
	}
	if w.mongoClient != nil {
		if err := w.mongoClient.Disconnect(context.Background()); err != nil {
			w.logger.Printf("mongo disconnect failed: %v", err)
		}
	}
	if w.docker != nil {
		if err := w.docker.Close(); err != nil {
			w.logger.Printf("docker client close failed: %v", err)
		}
	}
}

// run starts the progress responder, the gRPC and metrics servers and the
// fetch/process loop until context cancellation.
func (w *worker) run(ctx context.Context) error {
	w.logger.Printf(
		"worker loops starting topics=%v group_id=%s progress_request_queue=%s grpc_addr=%s metrics_addr=%s",
		w.cfg.Kafka.Topics,
		w.cfg.Kafka.GroupID,
		w.cfg.Rabbit.RequestQueue,
		w.cfg.GRPCAddr,
		w.cfg.MetricsAddr,
	)

	lis, err := net.Listen("tcp", w.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen failed: %w", err)
	}
	grpcServer := grpc.NewServer()
	workergrpc.RegisterWorkerStatusServer(grpcServer, &statusServer{
		status:  w.statusStore,
		logger:  w.logger,
		metrics: w.metrics,
	})

	metricsServer := &http.Server{
		Addr:              w.cfg.MetricsAddr,
		Handler:           w.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := w.runProgressResponder(ctx); err != nil && ctx.Err() == nil {
			w.logger.Printf("progress responder stopped with error: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		w.logger.Printf("grpc status server listening addr=%s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			w.logger.Printf("grpc status server stopped with error: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		w.logger.Printf("metrics server listening addr=%s", w.cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Printf("metrics server stopped with error: %v", err)
		}
	}()

	loopErr := w.runKafkaLoop(ctx)

	w.logger.Println("graceful shutdown requested")
	w.metrics.shutdowns.Inc()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		w.logger.Printf("metrics server shutdown failed: %v", err)
	}
	wg.Wait()
	return loopErr
}

// runKafkaLoop consumes Kafka messages until cancellation and applies job handlers.
func (w *worker) runKafkaLoop(ctx context.Context) error {
	for {
		msg, err := w.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				w.logger.Println("kafka consumer loop stopping due to cancellation")
				return nil
			}
			w.metrics.fetchErrors.Inc()
			w.logger.Printf("kafka fetch failed err=%v; retrying after=%s", err, w.cfg.Kafka.ErrBackoff)
			if err := sleepWithContext(ctx, w.cfg.Kafka.ErrBackoff); err != nil {
				w.logger.Println("kafka fetch backoff canceled")
				return nil
			}
			continue
		}

		if !w.processUntilSettled(ctx, msg) {
			w.logger.Println("kafka consumer loop stopping due to cancellation")
			return nil
		}
	}
}

// processUntilSettled re-runs msg until it is committed or ctx ends. The next
// message is not fetched meanwhile, so a later commit never skips an unsettled
// offset. It reports false when ctx ended first.
func (w *worker) processUntilSettled(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := w.processFetchedMessage(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		backoff := calculateRetryBackoff(w.cfg.Retry.InitialBackoff, w.cfg.Retry.MaxBackoff, attempt)
		if backoff <= 0 {
			backoff = w.cfg.Kafka.ErrBackoff
		}
		w.logger.Printf(
			"message processing failed topic=%s partition=%d offset=%d key=%s attempt=%d retry_in=%s err=%v",
			msg.Topic,
			msg.Partition,
			msg.Offset,
			string(msg.Key),
			attempt,
			backoff,
			err,
		)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return false
		}
		w.metrics.redeliveries.Inc()
	}
}

// sleepWithContext waits for duration or returns earlier when context is canceled.
func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
