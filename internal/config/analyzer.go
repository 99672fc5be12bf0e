package config

import (
	"fmt"
	"log"
	"time"

	"github.com/safeh2o/swot-analysis-web/internal/jobs"
)

// Analyzer is the runtime configuration of one analysis container run.
type Analyzer struct {
	Method        string
	DatasetID     string
	BlobName      string
	SourceBucket  string
	DestBucket    string
	Storage       Storage
	Mongo         Mongo
	Datasets      string
	WorkDir       string
	ANNCommand    []string
	EOCommand     string
	EOWorkDir     string
	NetworkCount  int
	Epochs        int
	RunTimeout    time.Duration
	SyslogAddress string
}

// LoadAnalyzer reads the analyzer configuration for method.
func LoadAnalyzer(logger *log.Logger, method string) (Analyzer, error) {
	l := newLoader(logger)

	cfg := Analyzer{
		Method:       method,
		DatasetID:    l.required("DATASET_ID"),
		BlobName:     l.required("BLOB_NAME"),
		SourceBucket: l.required("SRC_CONTAINER_NAME"),
		DestBucket:   l.required("DEST_CONTAINER_NAME"),
		Storage:      l.storage(),
		Mongo:        l.mongo(),
		Datasets:     l.str("MONGO_DATASETS_COLLECTION", "datasets"),
		WorkDir:      l.str("ANALYZER_WORK_DIR", "/tmp/swot"),
		ANNCommand:   l.list("ANN_COMMAND", []string{"python3", "-m", "swotann"}),
		EOCommand:    l.str("EO_COMMAND", "octave-cli"),
		EOWorkDir:    l.str("EO_WORKING_DIR", ""),
		NetworkCount: l.integer("NETWORK_COUNT", 0),
		Epochs:       l.integer("EPOCHS", 0),
		RunTimeout:   l.duration("ANALYZER_RUN_TIMEOUT", 2*time.Hour),
	}

	if host := l.secret("PAPERTRAIL_ADDRESS"); host != "" {
		port := l.integer("PAPERTRAIL_PORT", 514)
		cfg.SyslogAddress = fmt.Sprintf("%s:%d", host, port)
	}

	switch method {
	case jobs.MethodANN, jobs.MethodEO:
	default:
		l.errs = append(l.errs, fmt.Errorf("%w: unsupported analysis method %q", ErrInvalid, method))
	}
	if cfg.DatasetID != "" {
		if err := jobs.ValidateObjectID("DATASET_ID", cfg.DatasetID); err != nil {
			l.errs = append(l.errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
	}
	if cfg.NetworkCount < 0 || cfg.Epochs < 0 {
		l.errs = append(l.errs, fmt.Errorf("%w: NETWORK_COUNT and EPOCHS must be >= 0", ErrInvalid))
	}

	if err := l.err(); err != nil {
		return Analyzer{}, err
	}

	logger.Printf(
		"config loaded method=%s dataset_id=%s blob_name=%s src=%s dest=%s storage_endpoint=%s mongo_db=%s work_dir=%s network_count=%d epochs=%d syslog=%t",
		cfg.Method,
		cfg.DatasetID,
		cfg.BlobName,
		cfg.SourceBucket,
		cfg.DestBucket,
		cfg.Storage.Endpoint,
		cfg.Mongo.Database,
		cfg.WorkDir,
		cfg.NetworkCount,
		cfg.Epochs,
		cfg.SyslogAddress != "",
	)
	return cfg, nil
}
