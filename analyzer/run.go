package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/safeh2o/swot-analysis-web/internal/blobstore"
	"github.com/safeh2o/swot-analysis-web/internal/config"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/store"
)

const statusWriteTimeout = 30 * time.Second

// blobTransfer moves files between the work directory and blob storage.
type blobTransfer interface {
	Download(ctx context.Context, bucket, name, file string) error
	Upload(ctx context.Context, bucket, name, file string) error
}

// statusWriter records the outcome of one method on a dataset.
type statusWriter interface {
	SetAnalysisStatus(ctx context.Context, id primitive.ObjectID, method string, status store.AnalysisStatus) error
}

// commandRunner runs a model command inside dir and returns its combined output.
type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// analyzer performs one container run: download, model, upload, status.
type analyzer struct {
	cfg        config.Analyzer
	logger     *log.Logger
	blobs      blobTransfer
	statuses   statusWriter
	runCommand commandRunner
}

// execute runs the analysis and always records its outcome on the dataset.
func (a *analyzer) execute(ctx context.Context) error {
	start := time.Now()
	a.logger.Printf("analysis started method=%s dataset_id=%s blob_name=%s", a.cfg.Method, a.cfg.DatasetID, a.cfg.BlobName)

	runErr := a.run(ctx)

	ok := runErr == nil
	status := store.AnalysisStatus{Success: &ok, Message: "OK", UpdatedAt: time.Now().UTC()}
	if runErr != nil {
		status.Message = runErr.Error()
		a.logger.Printf("analysis failed method=%s dataset_id=%s err=%v", a.cfg.Method, a.cfg.DatasetID, runErr)
	} else {
		a.logger.Printf("analysis completed method=%s dataset_id=%s duration_ms=%d", a.cfg.Method, a.cfg.DatasetID, time.Since(start).Milliseconds())
	}

	if err := a.writeStatus(ctx, status); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *analyzer) writeStatus(ctx context.Context, status store.AnalysisStatus) error {
	id, err := primitive.ObjectIDFromHex(a.cfg.DatasetID)
	if err != nil {
		return fmt.Errorf("invalid dataset id %q: %w", a.cfg.DatasetID, err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := a.statuses.SetAnalysisStatus(writeCtx, id, a.cfg.Method, status); err != nil {
		a.logger.Printf("analysis status write failed method=%s dataset_id=%s err=%v", a.cfg.Method, a.cfg.DatasetID, err)
		return fmt.Errorf("status write failed: %w", err)
	}
	a.logger.Printf("analysis status written method=%s dataset_id=%s success=%t", a.cfg.Method, a.cfg.DatasetID, *status.Success)
	return nil
}

func (a *analyzer) run(ctx context.Context) error {
	root, err := filepath.Abs(a.cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("resolve work dir: %w", err)
	}
	workDir := filepath.Join(root, a.cfg.DatasetID)
	outDir := filepath.Join(workDir, a.cfg.Method)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	input := filepath.Join(workDir, path.Base(a.cfg.BlobName))
	if err := a.blobs.Download(ctx, a.cfg.SourceBucket, a.cfg.BlobName, input); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("source blob %s/%s not found", a.cfg.SourceBucket, a.cfg.BlobName)
		}
		return fmt.Errorf("download input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()

	name, args := a.command(input, outDir)
	a.logger.Printf("model command started method=%s command=%s args=%q", a.cfg.Method, name, args)
	out, err := a.runCommand(runCtx, a.commandDir(workDir), name, args...)
	if tail := lastLines(string(out), 20); tail != "" {
		a.logger.Printf("model output method=%s\n%s", a.cfg.Method, tail)
	}
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("model run exceeded %s", a.cfg.RunTimeout)
		}
		return fmt.Errorf("model run failed: %w", err)
	}

	files, err := outputFiles(outDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("model produced no output files")
	}

	for _, file := range files {
		name := path.Join(a.cfg.DatasetID, a.cfg.Method, filepath.Base(file))
		if err := a.blobs.Upload(ctx, a.cfg.DestBucket, name, file); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	a.logger.Printf("model outputs uploaded method=%s dataset_id=%s files=%d", a.cfg.Method, a.cfg.DatasetID, len(files))
	return nil
}

// command returns the model invocation for the configured method.
func (a *analyzer) command(input, outDir string) (string, []string) {
	if a.cfg.Method == jobs.MethodEO {
		return a.cfg.EOCommand, []string{"--eval", fmt.Sprintf("engmodel %s %s", input, outDir)}
	}

	name := a.cfg.ANNCommand[0]
	args := slices.Clone(a.cfg.ANNCommand[1:])
	args = append(args, "--input", input, "--output-dir", outDir)
	if a.cfg.NetworkCount > 0 {
		args = append(args, "--network-count", strconv.Itoa(a.cfg.NetworkCount))
	}
	if a.cfg.Epochs > 0 {
		args = append(args, "--epochs", strconv.Itoa(a.cfg.Epochs))
	}
	return name, args
}

// commandDir is where the model runs. The EO model loads its sources relative
// to EOWorkDir when one is configured.
func (a *analyzer) commandDir(workDir string) string {
	if a.cfg.Method == jobs.MethodEO && a.cfg.EOWorkDir != "" {
		return a.cfg.EOWorkDir
	}
	return workDir
}

// outputFiles lists the regular files of dir in name order.
func outputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
