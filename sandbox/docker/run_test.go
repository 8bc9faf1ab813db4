package docker

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CHARM-BDF/charmgpt-sub011/sandbox"
)

const fakeContainerID = "cafedeadbeef"

// fakeDocker emulates the subset of the Engine API the runtime talks
// to. Handlers can be overridden per test.
type fakeDocker struct {
	mu      sync.Mutex
	created []createRequest
	killed  chan struct{}

	exitCode int64
	waitFn   func(f *fakeDocker, w http.ResponseWriter)
	logsFn   func(w http.ResponseWriter, r *http.Request)

	srv *httptest.Server
}

type createRequest struct {
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	HostConfig tcontainer.HostConfig
}

func newFakeDocker(t *testing.T) *fakeDocker {
	t.Helper()
	f := &fakeDocker{killed: make(chan struct{}, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDocker) client(t *testing.T) client.APIClient {
	t.Helper()
	host := strings.Replace(f.srv.URL, "http://", "tcp://", 1)
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithVersion("1.46"),
	)
	require.NoError(t, err)
	return cli
}

func (f *fakeDocker) runtime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithClient(f.client(t))}, opts...)
	rt, err := New(opts...)
	require.NoError(t, err)
	return rt
}

func (f *fakeDocker) handle(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/v1.46")
	switch {
	case p == "/_ping":
		w.Header().Set("API-Version", "1.46")
		w.WriteHeader(http.StatusOK)
	case p == "/containers/create" && r.Method == http.MethodPost:
		var req createRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"Id": fakeContainerID})
	case p == "/containers/"+fakeContainerID+"/start":
		w.WriteHeader(http.StatusNoContent)
	case p == "/containers/"+fakeContainerID+"/logs":
		if f.logsFn != nil {
			f.logsFn(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	case p == "/containers/"+fakeContainerID+"/wait":
		if f.waitFn != nil {
			f.waitFn(f, w)
			return
		}
		_ = json.NewEncoder(w).Encode(
			map[string]int64{"StatusCode": f.exitCode})
	case p == "/containers/"+fakeContainerID+"/kill":
		select {
		case f.killed <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	case p == "/containers/"+fakeContainerID && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case p == "/containers/"+fakeContainerID+"/archive":
		f.handleArchive(w, r)
	default:
		http.Error(w, "not handled: "+r.Method+" "+p, http.StatusNotFound)
	}
}

func (f *fakeDocker) handleArchive(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		stat := base64.StdEncoding.EncodeToString(
			[]byte(`{"name":"output","size":0,"mode":2147484141}`))
		w.Header().Set("X-Docker-Container-Path-Stat", stat)
		w.Header().Set("Content-Type", "application/x-tar")
		tw := tar.NewWriter(w)
		data := []byte("col\n1\n")
		_ = tw.WriteHeader(&tar.Header{
			Name: "collected.csv",
			Mode: 0o644,
			Size: int64(len(data)),
		})
		_, _ = tw.Write(data)
		_ = tw.Close()
	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

// writeMuxFrame writes one multiplexed stdcopy frame: stream 1 is
// stdout, stream 2 is stderr.
func writeMuxFrame(w io.Writer, stream byte, payload string) {
	hdr := []byte{stream, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	_, _ = w.Write(hdr)
	_, _ = io.WriteString(w, payload)
}

func testRunSpec(t *testing.T) sandbox.RunSpec {
	t.Helper()
	root := t.TempDir()
	spec := sandbox.RunSpec{
		ScriptRoot: filepath.Join(root, "src"),
		InputRoot:  filepath.Join(root, "input"),
		OutputRoot: filepath.Join(root, "output"),
		Limits: sandbox.ResourceLimits{
			MemoryBytes: 512 * 1024 * 1024,
			CPUs:        1.0,
			PidsLimit:   128,
			Timeout:     5 * time.Second,
		},
	}
	for _, dir := range []string{spec.ScriptRoot, spec.InputRoot, spec.OutputRoot} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	spec.ScriptPath = filepath.Join(spec.ScriptRoot, "script.py")
	require.NoError(t,
		os.WriteFile(spec.ScriptPath, []byte("print('hi')\n"), 0o644))
	return spec
}

func TestRunSuccess(t *testing.T) {
	f := newFakeDocker(t)
	f.logsFn = func(w http.ResponseWriter, _ *http.Request) {
		writeMuxFrame(w, 1, "hello\n")
		writeMuxFrame(w, 2, "warn\n")
	}
	rt := f.runtime(t)

	res, err := rt.Run(context.Background(), testRunSpec(t))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunContainerConfig(t *testing.T) {
	f := newFakeDocker(t)
	rt := f.runtime(t)
	spec := testRunSpec(t)
	spec.Env = map[string]string{"PYTHONHASHSEED": "0"}

	_, err := rt.Run(context.Background(), spec)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.created, 1)
	req := f.created[0]
	assert.Equal(t, defaultImage, req.Image)
	assert.Equal(t, []string{"python3", "/sandbox/src/script.py"}, req.Cmd)
	assert.Equal(t, sandbox.GuestOutputDir, req.WorkingDir)
	assert.Contains(t, req.Env, "OUTPUT_DIR=/sandbox/output")
	assert.Contains(t, req.Env, "INPUT_DIR=/sandbox/input")
	assert.Contains(t, req.Env, "MPLBACKEND=Agg")
	assert.Contains(t, req.Env, "PYTHONHASHSEED=0")

	hc := req.HostConfig
	assert.Equal(t, tcontainer.NetworkMode("none"), hc.NetworkMode)
	assert.Equal(t, int64(512*1024*1024), hc.Memory)
	assert.Equal(t, int64(1e9), hc.NanoCPUs)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(128), *hc.PidsLimit)
	require.Len(t, hc.Binds, 3)
	assert.Equal(t, spec.ScriptRoot+":/sandbox/src:ro", hc.Binds[0])
	assert.Equal(t, spec.InputRoot+":/sandbox/input:ro", hc.Binds[1])
	assert.Equal(t, spec.OutputRoot+":/sandbox/output:rw", hc.Binds[2])
}

func TestRunGuestFailureExitCode(t *testing.T) {
	f := newFakeDocker(t)
	f.exitCode = 1
	f.logsFn = func(w http.ResponseWriter, _ *http.Request) {
		writeMuxFrame(w, 2, "Traceback...\n")
	}
	rt := f.runtime(t)

	res, err := rt.Run(context.Background(), testRunSpec(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "Traceback...\n", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	f := newFakeDocker(t)
	f.waitFn = func(f *fakeDocker, w http.ResponseWriter) {
		// The real daemon sends the response header immediately and
		// streams the body once the container exits; without the
		// flush the client blocks inside ContainerWait and the
		// runtime never reaches its timeout path.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Block until the runtime forces termination.
		<-f.killed
		_ = json.NewEncoder(w).Encode(map[string]int64{"StatusCode": 137})
	}
	f.logsFn = func(w http.ResponseWriter, _ *http.Request) {
		writeMuxFrame(w, 1, "partial output\n")
	}
	rt := f.runtime(t)
	spec := testRunSpec(t)
	spec.Limits.Timeout = 100 * time.Millisecond

	res, err := rt.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "partial output\n", res.Stdout)
}

func TestRunStopsLogCaptureAtExit(t *testing.T) {
	f := newFakeDocker(t)
	f.logsFn = func(w http.ResponseWriter, r *http.Request) {
		writeMuxFrame(w, 1, "first\n")
		w.(http.Flusher).Flush()
		// Keep the follow stream alive past container exit; it only
		// ends when the runtime hangs up.
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
				writeMuxFrame(w, 1, "late\n")
				w.(http.Flusher).Flush()
			}
		}
	}
	rt := f.runtime(t)

	start := time.Now()
	res, err := rt.Run(context.Background(), testRunSpec(t))
	require.NoError(t, err)
	// The runtime closed the stream and joined the copy goroutine
	// before building the result, so the captured output is stable.
	assert.Contains(t, res.Stdout, "first\n")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunDaemonUnreachable(t *testing.T) {
	f := newFakeDocker(t)
	rt := f.runtime(t)
	f.srv.Close()

	_, err := rt.Run(context.Background(), testRunSpec(t))
	require.Error(t, err)
	var serr *sandbox.SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "docker", serr.Stage)
}

func TestRunCopyStaging(t *testing.T) {
	f := newFakeDocker(t)
	rt := f.runtime(t, WithCopyStaging(true))
	spec := testRunSpec(t)

	_, err := rt.Run(context.Background(), spec)
	require.NoError(t, err)

	// No bind mounts in copy-staging mode; outputs are downloaded
	// into the host output root instead.
	f.mu.Lock()
	require.Len(t, f.created, 1)
	assert.Empty(t, f.created[0].HostConfig.Binds)
	f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(spec.OutputRoot, "collected.csv"))
	require.NoError(t, err)
	assert.Equal(t, "col\n1\n", string(data))
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{
		"OUTPUT_DIR=/sandbox/output",
		"INPUT_DIR=/sandbox/input",
		"MPLBACKEND=Agg",
		"A=1",
		"B=2",
	}, env)
}

func TestStageTar(t *testing.T) {
	spec := testRunSpec(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(spec.InputRoot, "data.csv"), []byte("a\n"), 0o644))

	rd, err := stageTar(spec)
	require.NoError(t, err)

	names := map[string]bool{}
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}
	assert.True(t, names["sandbox/src/"])
	assert.True(t, names["sandbox/input/"])
	assert.True(t, names["sandbox/output/"])
	assert.True(t, names["sandbox/src/script.py"])
	assert.True(t, names["sandbox/input/data.csv"])
}

func TestNewDefaults(t *testing.T) {
	f := newFakeDocker(t)
	rt := f.runtime(t,
		WithImage("python:3.12-slim"),
		WithNamePrefix("test-"),
		WithNetwork("bridge"),
	)
	assert.Equal(t, "python:3.12-slim", rt.image)
	assert.Equal(t, "test-", rt.namePrefix)
	assert.Equal(t, "bridge", rt.network)
	assert.False(t, rt.copyStaging)
}
