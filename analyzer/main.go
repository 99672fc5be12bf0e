package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/safeh2o/swot-analysis-web/internal/blobstore"
	"github.com/safeh2o/swot-analysis-web/internal/config"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/store"
)

var appLogger = log.New(os.Stdout, "analyzer ", log.LstdFlags|log.LUTC)

// overrides are flag values layered over the environment configuration.
type overrides struct {
	workDir      string
	timeout      time.Duration
	networkCount int
	epochs       int
	eoWorkDir    string
}

func (o overrides) apply(cfg *config.Analyzer) {
	if o.workDir != "" {
		cfg.WorkDir = o.workDir
	}
	if o.timeout > 0 {
		cfg.RunTimeout = o.timeout
	}
	if o.networkCount > 0 {
		cfg.NetworkCount = o.networkCount
	}
	if o.epochs > 0 {
		cfg.Epochs = o.epochs
	}
	if o.eoWorkDir != "" {
		cfg.EOWorkDir = o.eoWorkDir
	}
}

type runFunc func(ctx context.Context, method string, o overrides) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(runMethod).ExecuteContext(ctx); err != nil {
		appLogger.Printf("analyzer failed: %v", err)
		os.Exit(1)
	}
}

// newRootCmd builds the analyzer command tree with one subcommand per method.
func newRootCmd(run runFunc) *cobra.Command {
	var o overrides

	root := &cobra.Command{
		Use:           "analyzer",
		Short:         "Run one water quality analysis on a serialized dataset",
		Long:          "Downloads the dataset CSV, runs the analysis model, uploads its outputs and records the outcome on the dataset.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.workDir, "work-dir", "", "Scratch directory (overrides ANALYZER_WORK_DIR)")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 0, "Model run timeout (overrides ANALYZER_RUN_TIMEOUT)")

	ann := &cobra.Command{
		Use:   jobs.MethodANN,
		Short: "Run the neural network model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), jobs.MethodANN, o)
		},
	}
	ann.Flags().IntVar(&o.networkCount, "network-count", 0, "Networks in the ensemble (overrides NETWORK_COUNT)")
	ann.Flags().IntVar(&o.epochs, "epochs", 0, "Training epochs (overrides EPOCHS)")

	eo := &cobra.Command{
		Use:   jobs.MethodEO,
		Short: "Run the engineering optimization model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), jobs.MethodEO, o)
		},
	}
	eo.Flags().StringVar(&o.eoWorkDir, "model-dir", "", "Directory holding the model sources (overrides EO_WORKING_DIR)")

	root.AddCommand(ann, eo)
	return root
}

// runMethod wires the clients of one container run and executes it.
func runMethod(ctx context.Context, method string, o overrides) error {
	cfg, err := config.LoadAnalyzer(appLogger, method)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	o.apply(&cfg)

	if cfg.SyslogAddress != "" {
		if err := teeSyslog(appLogger, cfg.SyslogAddress, method); err != nil {
			appLogger.Printf("syslog setup failed addr=%s err=%v", cfg.SyslogAddress, err)
		}
	}

	blobs, err := blobstore.New(cfg.Storage, appLogger)
	if err != nil {
		return fmt.Errorf("storage client init failed: %w", err)
	}

	mongoClient, err := store.Connect(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer disconnect(mongoClient)

	a := &analyzer{
		cfg:        cfg,
		logger:     appLogger,
		blobs:      blobs,
		statuses:   store.NewDatasetStore(mongoClient.Database(cfg.Mongo.Database), cfg.Datasets),
		runCommand: execCommand,
	}
	return a.execute(ctx)
}

// teeSyslog copies every log line to a remote syslog endpoint.
func teeSyslog(logger *log.Logger, addr, method string) error {
	w, err := syslog.Dial("udp", addr, syslog.LOG_INFO|syslog.LOG_USER, "analyzer-"+method)
	if err != nil {
		return err
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, w))
	logger.Printf("syslog forwarding enabled addr=%s", addr)
	return nil
}

func disconnect(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		appLogger.Printf("mongo disconnect failed: %v", err)
	}
}
