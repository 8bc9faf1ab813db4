package docker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dockerAvailable() bool {
	cli, err := client.NewClientWithOpts(
		client.FromEnv, client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return false
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err == nil
}

// TestRunRealContainer runs a script against a live daemon. It needs
// the execution image pulled in advance, so it is opt-in.
func TestRunRealContainer(t *testing.T) {
	if os.Getenv("SANDBOX_DOCKER_TESTS") == "" {
		t.Skip("set SANDBOX_DOCKER_TESTS to run against a live daemon")
	}
	if !dockerAvailable() {
		t.Skip("docker daemon not available")
	}

	rt, err := New()
	require.NoError(t, err)

	spec := testRunSpec(t)
	require.NoError(t, os.WriteFile(
		spec.ScriptPath, []byte("print('from container')\n"), 0o644))

	res, err := rt.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "from container\n", res.Stdout)
}
