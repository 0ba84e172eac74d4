package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/logging"
)

// containerAPI is the part of the Docker client the runner uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerOptions configures a DockerRunner.
type DockerOptions struct {
	Profile        Profile
	Model          string
	Image          string
	Port           int
	ShmSize        string   // e.g. "1g"
	Volumes        []string // host:container
	GPUs           int      // -1 detects with nvidia-smi
	StartupTimeout time.Duration
	HealthURL      string
	ProbeInterval  time.Duration
	Output         io.Writer // container logs, stdout when nil
}

// DockerRunner runs the inference server as a detached container.
type DockerRunner struct {
	api    containerAPI
	opts   DockerOptions
	logger *zap.Logger

	mu          sync.Mutex
	containerID string
	logs        io.ReadCloser
	pipe        *io.PipeReader
	cancelLogs  context.CancelFunc
	streaming   sync.WaitGroup
}

// NewDockerRunner creates a runner on top of a Docker API client.
func NewDockerRunner(api containerAPI, opts DockerOptions, logger *zap.Logger) *DockerRunner {
	if opts.ShmSize == "" {
		opts.ShmSize = "1g"
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	opts.Output = outputOrStdout(opts.Output)
	return &DockerRunner{
		api:    api,
		opts:   opts,
		logger: logging.OrNop(logger).Named("engine").With(zap.String("engine", opts.Profile.Name)),
	}
}

func (r *DockerRunner) Name() string { return r.opts.Profile.Name }

// Run pulls the image, starts the container and blocks until the server
// logs its success sentinel and, if configured, answers its health probe.
func (r *DockerRunner) Run(ctx context.Context, params []Param) error {
	gpus := r.opts.GPUs
	if gpus < 0 {
		gpus = GPUCount(ctx)
	}
	args := r.opts.Profile.Args(r.opts.Model, r.opts.Port, gpus, params)
	r.logger.Info("starting container",
		zap.String("image", r.opts.Image),
		zap.String("args", strings.Join(args, " ")),
		zap.Int("gpus", gpus))

	r.pull(ctx)

	cfg, hostCfg, err := r.containerConfig(args, gpus)
	if err != nil {
		return err
	}

	created, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("engine: create container: %w", err)
	}
	r.mu.Lock()
	r.containerID = created.ID
	r.mu.Unlock()
	for _, w := range created.Warnings {
		r.logger.Warn("container create warning", zap.String("warning", w))
	}

	if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cleanup(ctx)
		return fmt.Errorf("engine: start container: %w", err)
	}

	logCtx, cancelLogs := context.WithCancel(context.WithoutCancel(ctx))
	logs, err := r.api.ContainerLogs(logCtx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancelLogs()
		_ = r.cleanup(ctx)
		return fmt.Errorf("engine: container logs: %w", err)
	}
	pr, pw := io.Pipe()
	r.mu.Lock()
	r.logs = logs
	r.pipe = pr
	r.cancelLogs = cancelLogs
	r.mu.Unlock()

	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()

	startCtx := ctx
	if r.opts.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, r.opts.StartupTimeout)
		defer cancel()
	}

	started := time.Now()
	rest, err := waitForSentinel(startCtx, pr, r.opts.Output, r.opts.Profile.SuccessSentinel, r.opts.Profile.ErrorSentinel)
	if err != nil {
		r.logger.Error("container failed to start", zap.Error(err))
		_ = r.cleanup(ctx)
		return err
	}
	r.logger.Info("container ready", zap.String("id", shortID(created.ID)), zap.Duration("took", time.Since(started)))

	r.streaming.Add(1)
	go r.stream(rest)

	if r.opts.HealthURL != "" {
		if err := waitHealthy(startCtx, r.opts.HealthURL, r.opts.ProbeInterval, r.logger); err != nil {
			_ = r.cleanup(ctx)
			return err
		}
	}
	return nil
}

func (r *DockerRunner) stream(rest *bufio.Reader) {
	defer r.streaming.Done()
	_, _ = io.Copy(r.opts.Output, rest)
}

func (r *DockerRunner) pull(ctx context.Context) {
	rc, err := r.api.ImagePull(ctx, r.opts.Image, image.PullOptions{})
	if err != nil {
		r.logger.Warn("image pull failed, using local image", zap.String("image", r.opts.Image), zap.Error(err))
		return
	}
	defer rc.Close()
	// The pull only completes once its progress stream is drained.
	_, _ = io.Copy(io.Discard, rc)
}

func (r *DockerRunner) containerConfig(args []string, gpus int) (*container.Config, *container.HostConfig, error) {
	shm, err := units.RAMInBytes(r.opts.ShmSize)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: shm size %q: %w", r.opts.ShmSize, err)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(r.opts.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("engine: port: %w", err)
	}

	binds := make([]string, 0, len(r.opts.Volumes))
	for _, v := range r.opts.Volumes {
		host, target, ok := strings.Cut(v, ":")
		if !ok || host == "" || target == "" {
			return nil, nil, fmt.Errorf("engine: volume %q must be host:container", v)
		}
		binds = append(binds, host+":"+target+":rw")
	}

	var resources container.Resources
	if gpus > 0 {
		ids := make([]string, gpus)
		for i := range ids {
			ids[i] = strconv.Itoa(i)
		}
		resources.DeviceRequests = []container.DeviceRequest{{
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	cfg := &container.Config{
		Image:        r.opts.Image,
		Cmd:          args,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Binds:        binds,
		ShmSize:      shm,
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: port.Port()}}},
		Resources:    resources,
	}
	return cfg, hostCfg, nil
}

// Stop stops and removes the container.
func (r *DockerRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	id := r.containerID
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	r.logger.Warn("stopping container", zap.String("id", shortID(id)))
	return r.cleanup(ctx)
}

func (r *DockerRunner) cleanup(ctx context.Context) error {
	r.mu.Lock()
	id, logs, pipe, cancelLogs := r.containerID, r.logs, r.pipe, r.cancelLogs
	r.containerID, r.logs, r.pipe, r.cancelLogs = "", nil, nil, nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	var errs []error
	if id != "" {
		if err := r.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("engine: stop container: %w", err))
		}
		if err := r.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			errs = append(errs, fmt.Errorf("engine: remove container: %w", err))
		}
	}
	if logs != nil {
		_ = logs.Close()
	}
	if pipe != nil {
		_ = pipe.Close()
	}
	if cancelLogs != nil {
		cancelLogs()
	}
	r.streaming.Wait()
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
