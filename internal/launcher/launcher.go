// Package launcher starts one analysis container per requested method through
// the Docker Engine API.
package launcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/safeh2o/swot-analysis-web/internal/config"
)

// Container environment keys read by the analyzer.
const (
	EnvDatasetID  = "DATASET_ID"
	EnvBlobName   = "BLOB_NAME"
	EnvSource     = "SRC_CONTAINER_NAME"
	EnvDest       = "DEST_CONTAINER_NAME"
	labelDataset  = "swot.dataset_id"
	labelMethod   = "swot.method"
	labelJob      = "swot.job_id"
	bytesPerGiB   = 1 << 30
	nanoCPUsInCPU = 1e9
)

// dockerAPI is the subset of the Docker client the launcher uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Request describes one analysis run.
type Request struct {
	JobID        string
	DatasetID    string
	Method       string
	BlobName     string
	SourceBucket string
	DestBucket   string
}

// Name is the container name of the run. A later run for the same dataset and
// method replaces it.
func (r Request) Name() string {
	return fmt.Sprintf("%s-%s", r.Method, r.DatasetID)
}

// Launcher creates and starts analysis containers.
type Launcher struct {
	api    dockerAPI
	cfg    config.Launcher
	logger *log.Logger
}

// New connects to the Docker daemon configured by cfg.DockerHost or the
// standard DOCKER_* environment.
func New(cfg config.Launcher, logger *log.Logger) (*Launcher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Launcher{api: cli, cfg: cfg, logger: logger}, nil
}

// Close releases the Docker client.
func (l *Launcher) Close() error {
	return l.api.Close()
}

// Launch removes any previous container of the same run, pulls the method's
// image when configured to and starts a fresh container. It returns the
// container id.
func (l *Launcher) Launch(ctx context.Context, req Request) (string, error) {
	ref := l.cfg.Image(req.Method)
	name := req.Name()

	if l.cfg.PullImages {
		if err := l.pull(ctx, ref); err != nil {
			return "", err
		}
	}

	if err := l.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return "", fmt.Errorf("remove previous container %s: %w", name, err)
		}
	} else {
		l.logger.Printf("previous analysis container removed name=%s", name)
	}

	cfg, hostCfg := l.containerSpec(req, ref)
	created, err := l.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	for _, w := range created.Warnings {
		l.logger.Printf("container create warning name=%s warning=%s", name, w)
	}

	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	l.logger.Printf("analysis container started name=%s id=%s image=%s dataset_id=%s method=%s", name, created.ID, ref, req.DatasetID, req.Method)
	return created.ID, nil
}

func (l *Launcher) pull(ctx context.Context, ref string) error {
	opts := image.PullOptions{}
	if l.cfg.RegistryUsername != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      l.cfg.RegistryUsername,
			Password:      l.cfg.RegistryPassword,
			ServerAddress: l.cfg.RegistryServer,
		})
		if err != nil {
			return fmt.Errorf("encode registry auth: %w", err)
		}
		opts.RegistryAuth = auth
	}

	rc, err := l.api.ImagePull(ctx, ref, opts)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	l.logger.Printf("image pulled ref=%s", ref)
	return nil
}

func (l *Launcher) containerSpec(req Request, ref string) (*container.Config, *container.HostConfig) {
	env := []string{
		EnvDatasetID + "=" + req.DatasetID,
		EnvBlobName + "=" + req.BlobName,
		EnvSource + "=" + req.SourceBucket,
		EnvDest + "=" + req.DestBucket,
	}
	env = append(env, l.cfg.Env...)

	cfg := &container.Config{
		Image: ref,
		Cmd:   []string{req.Method},
		Env:   env,
		Labels: map[string]string{
			labelDataset: req.DatasetID,
			labelMethod:  req.Method,
			labelJob:     req.JobID,
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			NanoCPUs: int64(math.Round(l.cfg.CPUs * nanoCPUsInCPU)),
			Memory:   int64(math.Round(l.cfg.MemoryGB * bytesPerGiB)),
		},
	}
	if l.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.cfg.Network)
	}
	return cfg, hostCfg
}
