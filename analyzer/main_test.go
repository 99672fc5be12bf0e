package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/safeh2o/swot-analysis-web/internal/blobstore"
	"github.com/safeh2o/swot-analysis-web/internal/config"
	"github.com/safeh2o/swot-analysis-web/internal/jobs"
	"github.com/safeh2o/swot-analysis-web/internal/store"
)

const testDatasetID = "65d0f1a2b3c4d5e6f7a8b9c1"

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

type fakeBlobs struct {
	missing     bool
	downloadErr error
	uploaded    map[string]string
}

func (f *fakeBlobs) Download(_ context.Context, bucket, name, file string) error {
	if f.missing {
		return fmt.Errorf("download %s/%s: %w", bucket, name, blobstore.ErrNotFound)
	}
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(file, []byte("ts_datetime,ts_frc\n"), 0o644)
}

func (f *fakeBlobs) Upload(_ context.Context, bucket, name, file string) error {
	if f.uploaded == nil {
		f.uploaded = map[string]string{}
	}
	f.uploaded[bucket+"/"+name] = file
	return nil
}

type recordingStatuses struct {
	id     primitive.ObjectID
	method string
	status *store.AnalysisStatus
}

func (r *recordingStatuses) SetAnalysisStatus(_ context.Context, id primitive.ObjectID, method string, status store.AnalysisStatus) error {
	r.id = id
	r.method = method
	r.status = &status
	return nil
}

// scriptedRunner records the invocation and writes the named outputs.
type scriptedRunner struct {
	outputs []string
	err     error
	dir     string
	name    string
	args    []string
}

func (r *scriptedRunner) run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	r.dir = dir
	r.name = name
	r.args = args
	if r.err != nil {
		return []byte("traceback"), r.err
	}
	outDir := args[len(args)-1]
	if i := indexOf(args, "--output-dir"); i >= 0 {
		outDir = args[i+1]
	}
	if strings.HasPrefix(outDir, "engmodel ") {
		outDir = strings.Fields(outDir)[2]
	}
	for _, o := range r.outputs {
		if err := os.WriteFile(filepath.Join(outDir, o), []byte("x"), 0o644); err != nil {
			return nil, err
		}
	}
	return []byte("done"), nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func newTestAnalyzer(t *testing.T, method string) (*analyzer, *fakeBlobs, *recordingStatuses, *scriptedRunner) {
	t.Helper()
	blobs := &fakeBlobs{}
	statuses := &recordingStatuses{}
	runner := &scriptedRunner{outputs: []string{"result.csv", "result.html"}}
	return &analyzer{
		cfg: config.Analyzer{
			Method:       method,
			DatasetID:    testDatasetID,
			BlobName:     testDatasetID + ".csv",
			SourceBucket: "analysis-src",
			DestBucket:   "analysis-results",
			WorkDir:      t.TempDir(),
			ANNCommand:   []string{"python3", "-m", "swotann"},
			EOCommand:    "octave-cli",
			RunTimeout:   time.Minute,
		},
		logger:     log.New(testWriter{t}, "", 0),
		blobs:      blobs,
		statuses:   statuses,
		runCommand: runner.run,
	}, blobs, statuses, runner
}

func TestExecuteUploadsOutputsAndRecordsSuccess(t *testing.T) {
	t.Parallel()

	a, blobs, statuses, _ := newTestAnalyzer(t, jobs.MethodANN)
	if err := a.execute(context.Background()); err != nil {
		t.Fatalf("execute() error = %v", err)
	}

	for _, want := range []string{
		"analysis-results/" + testDatasetID + "/ann/result.csv",
		"analysis-results/" + testDatasetID + "/ann/result.html",
	} {
		if _, ok := blobs.uploaded[want]; !ok {
			t.Fatalf("uploaded = %v, missing %s", blobs.uploaded, want)
		}
	}
	if statuses.status == nil || statuses.status.Success == nil || !*statuses.status.Success || statuses.status.Message != "OK" {
		t.Fatalf("status = %+v", statuses.status)
	}
	if statuses.method != jobs.MethodANN || statuses.id.Hex() != testDatasetID {
		t.Fatalf("status target = %s/%s", statuses.id.Hex(), statuses.method)
	}
}

func TestExecuteRecordsFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(*fakeBlobs, *scriptedRunner)
		wantMsg string
	}{
		{name: "missing source blob", setup: func(b *fakeBlobs, _ *scriptedRunner) { b.missing = true }, wantMsg: "not found"},
		{name: "download failure", setup: func(b *fakeBlobs, _ *scriptedRunner) { b.downloadErr = errors.New("connection reset") }, wantMsg: "connection reset"},
		{name: "model failure", setup: func(_ *fakeBlobs, r *scriptedRunner) { r.err = errors.New("exit status 1") }, wantMsg: "model run failed"},
		{name: "no outputs", setup: func(_ *fakeBlobs, r *scriptedRunner) { r.outputs = nil }, wantMsg: "no output files"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, blobs, statuses, runner := newTestAnalyzer(t, jobs.MethodEO)
			tt.setup(blobs, runner)

			err := a.execute(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("execute() error = %v, want containing %q", err, tt.wantMsg)
			}
			if statuses.status == nil || statuses.status.Success == nil || *statuses.status.Success {
				t.Fatalf("status = %+v, want success=false", statuses.status)
			}
			if !strings.Contains(statuses.status.Message, tt.wantMsg) {
				t.Fatalf("status message = %q, want containing %q", statuses.status.Message, tt.wantMsg)
			}
			if len(blobs.uploaded) != 0 {
				t.Fatalf("uploaded = %v, want none", blobs.uploaded)
			}
		})
	}
}

func TestExecuteRunsModelInConfiguredDir(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		method    string
		eoWorkDir string
		wantDir   func(workDir string) string
	}{
		{name: "eo with model dir", method: jobs.MethodEO, eoWorkDir: "/opt/EngineeringOptimizationModel", wantDir: func(string) string { return "/opt/EngineeringOptimizationModel" }},
		{name: "eo without model dir", method: jobs.MethodEO, wantDir: func(w string) string { return filepath.Join(w, testDatasetID) }},
		{name: "ann ignores model dir", method: jobs.MethodANN, eoWorkDir: "/opt/EngineeringOptimizationModel", wantDir: func(w string) string { return filepath.Join(w, testDatasetID) }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _, _, runner := newTestAnalyzer(t, tt.method)
			a.cfg.EOWorkDir = tt.eoWorkDir
			if err := a.execute(context.Background()); err != nil {
				t.Fatalf("execute() error = %v", err)
			}
			if want := tt.wantDir(a.cfg.WorkDir); runner.dir != want {
				t.Fatalf("command dir = %q, want %q", runner.dir, want)
			}
			for _, arg := range runner.args {
				if strings.Contains(arg, testDatasetID) && !strings.Contains(arg, a.cfg.WorkDir) {
					t.Fatalf("arg %q is not rooted at the work dir %q", arg, a.cfg.WorkDir)
				}
			}
		})
	}
}

func TestCommand(t *testing.T) {
	t.Parallel()

	a, _, _, _ := newTestAnalyzer(t, jobs.MethodANN)
	a.cfg.NetworkCount = 5
	a.cfg.Epochs = 100
	name, args := a.command("/w/in.csv", "/w/ann")
	if name != "python3" {
		t.Fatalf("name = %q, want python3", name)
	}
	if got, want := strings.Join(args, " "), "-m swotann --input /w/in.csv --output-dir /w/ann --network-count 5 --epochs 100"; got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}

	a.cfg.Method = jobs.MethodEO
	name, args = a.command("/w/in.csv", "/w/eo")
	if name != "octave-cli" || len(args) != 2 || args[0] != "--eval" || args[1] != "engmodel /w/in.csv /w/eo" {
		t.Fatalf("eo command = %s %q", name, args)
	}
}

func TestRootCommandRoutesMethodsAndFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args       []string
		wantMethod string
		want       overrides
	}{
		{args: []string{"ann", "--network-count", "3", "--epochs", "20"}, wantMethod: jobs.MethodANN, want: overrides{networkCount: 3, epochs: 20}},
		{args: []string{"eo", "--work-dir", "/scratch", "--timeout", "5m"}, wantMethod: jobs.MethodEO, want: overrides{workDir: "/scratch", timeout: 5 * time.Minute}},
		{args: []string{"eo", "--model-dir", "/opt/eo"}, wantMethod: jobs.MethodEO, want: overrides{eoWorkDir: "/opt/eo"}},
	}

	for _, tt := range tests {
		var gotMethod string
		var got overrides
		cmd := newRootCmd(func(_ context.Context, method string, o overrides) error {
			gotMethod, got = method, o
			return nil
		})
		cmd.SetArgs(tt.args)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute(%v) error = %v", tt.args, err)
		}
		if gotMethod != tt.wantMethod || got != tt.want {
			t.Fatalf("Execute(%v) = %s %+v, want %s %+v", tt.args, gotMethod, got, tt.wantMethod, tt.want)
		}
	}

	cmd := newRootCmd(func(context.Context, string, overrides) error { return nil })
	cmd.SetArgs([]string{"svm"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("Execute(svm) error = nil, want unknown command")
	}
}

func TestOverridesApply(t *testing.T) {
	t.Parallel()

	cfg := config.Analyzer{WorkDir: "/tmp/swot", RunTimeout: time.Hour, NetworkCount: 1}
	overrides{timeout: time.Minute, epochs: 7, eoWorkDir: "/opt/eo"}.apply(&cfg)
	if cfg.WorkDir != "/tmp/swot" || cfg.RunTimeout != time.Minute || cfg.NetworkCount != 1 || cfg.Epochs != 7 || cfg.EOWorkDir != "/opt/eo" {
		t.Fatalf("cfg = %+v", cfg)
	}
}
