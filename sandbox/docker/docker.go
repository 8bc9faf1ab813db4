// Package docker provides the isolation runtime executor backed by the
// Docker Engine API. Each invocation runs in its own container: the
// script and input roots are exposed read-only, the output root is the
// only writable guest path, and memory/CPU/pids ceilings are applied at
// the container level.
package docker

import (
	"fmt"

	"github.com/docker/docker/client"
)

const (
	defaultImage      = "python:3-slim"
	defaultNamePrefix = "charmgpt-sandbox-"
	defaultNetwork    = "none"
	pythonBin         = "python3"
)

// Runtime executes staged scripts in per-invocation containers.
type Runtime struct {
	client      client.APIClient
	image       string
	namePrefix  string
	network     string
	copyStaging bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithImage sets the container image used for execution.
func WithImage(image string) Option {
	return func(r *Runtime) { r.image = image }
}

// WithClient sets the Docker API client. Mostly useful for tests.
func WithClient(cli client.APIClient) Option {
	return func(r *Runtime) { r.client = cli }
}

// WithNamePrefix sets the container name prefix.
func WithNamePrefix(prefix string) Option {
	return func(r *Runtime) { r.namePrefix = prefix }
}

// WithNetwork sets the container network mode. The default is "none";
// changing it widens the guest's reach and should be deliberate.
func WithNetwork(mode string) Option {
	return func(r *Runtime) { r.network = mode }
}

// WithCopyStaging switches from bind mounts to tar upload/download of
// the staging roots. Required when the daemon is remote and cannot see
// the host filesystem.
func WithCopyStaging(enable bool) Option {
	return func(r *Runtime) { r.copyStaging = enable }
}

// New creates a Runtime. Without WithClient, the client is built from
// the environment with API version negotiation.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		image:      defaultImage,
		namePrefix: defaultNamePrefix,
		network:    defaultNetwork,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		cli, err := client.NewClientWithOpts(
			client.FromEnv, client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		r.client = cli
	}
	return r, nil
}
