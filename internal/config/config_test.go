package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t: t}, "", 0)
}

func setRequiredWorkerEnv(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("STORAGE_ACCESS_KEY", "minio")
	t.Setenv("STORAGE_SECRET_KEY", "minio123")
}

func TestLoadWorkerDefaults(t *testing.T) {
	setRequiredWorkerEnv(t)

	cfg, err := LoadWorker(testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9094"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"jobs.standardize.v1", "jobs.analysis.v1"}, cfg.Kafka.Topics)
	assert.Equal(t, "literal", cfg.Analysis.DedupRule)
	assert.False(t, cfg.Analysis.Distinct)
	assert.Equal(t, []string{"ann", "eo"}, cfg.Analysis.Methods)
	assert.Equal(t, "datapoints", cfg.Collections.Datapoints)
	assert.Equal(t, 24*time.Hour, cfg.Redis.StatusTTL)
	assert.Equal(t, 1.5, cfg.Launcher.MemoryGB)
	assert.True(t, cfg.Storage.UseSSL)
}

func TestLoadWorkerOverrides(t *testing.T) {
	setRequiredWorkerEnv(t)
	t.Setenv("WORKER_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("WORKER_JOB_TYPES", "analysis")
	t.Setenv("DEDUP_RULE", "Overwriting")
	t.Setenv("DEDUP_DISTINCT", "true")
	t.Setenv("ANALYSIS_METHODS", "eo")
	t.Setenv("WORKER_PROCESS_TIMEOUT", "90s")

	cfg, err := LoadWorker(testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"jobs.analysis.v1"}, cfg.Kafka.Topics)
	assert.Equal(t, "overwriting", cfg.Analysis.DedupRule)
	assert.True(t, cfg.Analysis.Distinct)
	assert.Equal(t, []string{"eo"}, cfg.Analysis.Methods)
	assert.Equal(t, 90*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, "swot-analyzer-eo:latest", cfg.Launcher.Image("eo"))
	assert.Equal(t, "swot-analyzer:latest", cfg.Launcher.Image("ann"))
}

func TestLoadWorkerAggregatesErrors(t *testing.T) {
	t.Setenv("MONGO_URI", "")
	t.Setenv("STORAGE_ENDPOINT", "")
	t.Setenv("STORAGE_ACCESS_KEY", "")
	t.Setenv("STORAGE_SECRET_KEY", "")
	t.Setenv("WORKER_FETCH_MIN_BYTES", "many")
	t.Setenv("DEDUP_RULE", "newest")
	t.Setenv("WORKER_JOB_TYPES", "report")

	_, err := LoadWorker(testLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissing))
	assert.True(t, errors.Is(err, ErrInvalid))

	msg := err.Error()
	for _, key := range []string{"MONGO_URI", "STORAGE_ENDPOINT", "STORAGE_ACCESS_KEY", "STORAGE_SECRET_KEY", "WORKER_FETCH_MIN_BYTES", "DEDUP_RULE", "WORKER_JOB_TYPES"} {
		assert.Contains(t, msg, key)
	}
}

func TestLoadAPIDefaults(t *testing.T) {
	cfg, err := LoadAPI(testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "jobs.%s.v1", cfg.KafkaTopicTemplate)
	assert.Equal(t, "progress.check.request.v1", cfg.Rabbit.RequestQueue)
	assert.Equal(t, time.Second, cfg.ProgressPoll)
}

func TestLoadAnalyzerRequiresContainerEnv(t *testing.T) {
	t.Setenv("DATASET_ID", "")
	t.Setenv("BLOB_NAME", "")
	t.Setenv("SRC_CONTAINER_NAME", "")
	t.Setenv("DEST_CONTAINER_NAME", "")
	setRequiredWorkerEnv(t)

	_, err := LoadAnalyzer(testLogger(t), "ann")
	require.Error(t, err)
	for _, key := range []string{"DATASET_ID", "BLOB_NAME", "SRC_CONTAINER_NAME", "DEST_CONTAINER_NAME"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadAnalyzer(t *testing.T) {
	setRequiredWorkerEnv(t)
	t.Setenv("DATASET_ID", "64b7f0c2a1b2c3d4e5f60718")
	t.Setenv("BLOB_NAME", "64b7f0c2a1b2c3d4e5f60718.csv")
	t.Setenv("SRC_CONTAINER_NAME", "analysis-input")
	t.Setenv("DEST_CONTAINER_NAME", "analysis-output")
	t.Setenv("NETWORK_COUNT", "20")
	t.Setenv("PAPERTRAIL_ADDRESS", "logs.example.com")
	t.Setenv("PAPERTRAIL_PORT", "31337")

	cfg, err := LoadAnalyzer(testLogger(t), "ann")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.NetworkCount)
	assert.Equal(t, 0, cfg.Epochs)
	assert.Equal(t, "logs.example.com:31337", cfg.SyslogAddress)
	assert.Equal(t, []string{"python3", "-m", "swotann"}, cfg.ANNCommand)
	assert.Empty(t, cfg.EOWorkDir)

	t.Setenv("EO_WORKING_DIR", "/opt/EngineeringOptimizationModel")
	cfg, err = LoadAnalyzer(testLogger(t), "eo")
	require.NoError(t, err)
	assert.Equal(t, "/opt/EngineeringOptimizationModel", cfg.EOWorkDir)

	_, err = LoadAnalyzer(testLogger(t), "svm")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestConfigFileLayersUnderEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	body := "mongo_uri: mongodb://file:27017\nstorage_endpoint: file:9000\nstorage_access_key: a\nstorage_secret_key: b\ndedup_rule: overwriting\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("MONGO_URI", "mongodb://env:27017")
	t.Setenv("STORAGE_ENDPOINT", "")
	t.Setenv("STORAGE_ACCESS_KEY", "")
	t.Setenv("STORAGE_SECRET_KEY", "")
	t.Setenv("DEDUP_RULE", "")

	cfg, err := LoadWorker(testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://env:27017", cfg.Mongo.URI)
	assert.Equal(t, "file:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "overwriting", cfg.Analysis.DedupRule)
}
