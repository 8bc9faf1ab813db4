package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	archive "github.com/moby/go-archive"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CHARM-BDF/charmgpt-sub011/log"
	"github.com/CHARM-BDF/charmgpt-sub011/sandbox"
	atrace "github.com/CHARM-BDF/charmgpt-sub011/telemetry/trace"
)

const (
	// killGraceTimeout bounds how long we wait for the daemon to
	// confirm a forced termination.
	killGraceTimeout = 2 * time.Second
	removeTimeout    = 10 * time.Second
)

// Run executes the staged script in a fresh container and blocks until
// the process exits or the wall-clock limit fires, whichever comes
// first. A daemon that cannot be reached, or a container that cannot be
// created or started, is a setup failure: no guest process was spawned.
func (r *Runtime) Run(
	ctx context.Context, spec sandbox.RunSpec,
) (sandbox.RunResult, error) {
	ctx, span := atrace.Tracer.Start(ctx, sandbox.SpanRun)
	defer span.End()
	span.SetAttributes(attribute.String(sandbox.AttrImage, r.image))

	if _, err := r.client.Ping(ctx); err != nil {
		serr := &sandbox.SetupError{Stage: "docker", Err: err}
		span.SetStatus(codes.Error, serr.Error())
		return sandbox.RunResult{}, serr
	}

	scriptName := filepath.Base(spec.ScriptPath)
	cfg := &tcontainer.Config{
		Image:      r.image,
		Cmd:        []string{pythonBin, path.Join(sandbox.GuestScriptDir, scriptName)},
		Env:        buildEnv(spec.Env),
		WorkingDir: sandbox.GuestOutputDir,
	}
	hostCfg := &tcontainer.HostConfig{
		NetworkMode: tcontainer.NetworkMode(r.network),
		Resources: tcontainer.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: int64(spec.Limits.CPUs * 1e9),
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	if !r.copyStaging {
		hostCfg.Binds = []string{
			spec.ScriptRoot + ":" + sandbox.GuestScriptDir + ":ro",
			spec.InputRoot + ":" + sandbox.GuestInputDir + ":ro",
			spec.OutputRoot + ":" + sandbox.GuestOutputDir + ":rw",
		}
	}

	name := r.namePrefix + uuid.New().String()[:8]
	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		serr := &sandbox.SetupError{
			Stage: "docker",
			Err:   fmt.Errorf("container create: %w", err),
		}
		span.SetStatus(codes.Error, serr.Error())
		return sandbox.RunResult{}, serr
	}
	id := created.ID
	defer r.remove(id)

	if r.copyStaging {
		if err := r.stageIn(ctx, id, spec); err != nil {
			serr := &sandbox.SetupError{Stage: "docker", Err: err}
			span.SetStatus(codes.Error, serr.Error())
			return sandbox.RunResult{}, serr
		}
	}

	if err := r.client.ContainerStart(ctx, id, tcontainer.StartOptions{}); err != nil {
		serr := &sandbox.SetupError{
			Stage: "docker",
			Err:   fmt.Errorf("container start: %w", err),
		}
		span.SetStatus(codes.Error, serr.Error())
		return sandbox.RunResult{}, serr
	}
	start := time.Now()

	var stdout, stderr bytes.Buffer
	outW, errW := io.Writer(&stdout), io.Writer(&stderr)
	if spec.Mirror != nil {
		outW = io.MultiWriter(&stdout, spec.Mirror)
		errW = io.MultiWriter(&stderr, spec.Mirror)
	}
	done := make(chan struct{})
	logs, err := r.client.ContainerLogs(ctx, id, tcontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		log.Warnf("container logs unavailable for %s: %v", id, err)
		close(done)
	} else {
		go func() {
			defer close(done)
			if _, err := stdcopy.StdCopy(outW, errW, logs); err != nil {
				log.Debugf("log stream for %s ended: %v", id, err)
			}
		}()
	}
	// drainLogs unblocks the copy goroutine and waits for it, so the
	// buffers are never read while it still writes.
	drainLogs := func() {
		if logs != nil {
			_ = logs.Close()
		}
		<-done
	}

	waitCh, errCh := r.client.ContainerWait(
		ctx, id, tcontainer.WaitConditionNotRunning,
	)
	timer := time.NewTimer(spec.Limits.Timeout)
	defer timer.Stop()

	var exitCode int
	var timedOut bool
	select {
	case w := <-waitCh:
		exitCode = int(w.StatusCode)
	case werr := <-errCh:
		drainLogs()
		span.SetStatus(codes.Error, werr.Error())
		return sandbox.RunResult{}, fmt.Errorf("container wait: %w", werr)
	case <-timer.C:
		timedOut = true
		r.kill(id)
		select {
		case <-waitCh:
		case <-time.After(killGraceTimeout):
		}
	case <-ctx.Done():
		r.kill(id)
		drainLogs()
		span.SetStatus(codes.Error, ctx.Err().Error())
		return sandbox.RunResult{}, ctx.Err()
	}
	drainLogs()

	if r.copyStaging {
		if err := r.collectOut(ctx, id, spec.OutputRoot); err != nil {
			log.Warnf("output collection for %s: %v", id, err)
		}
	}

	res := sandbox.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	span.SetAttributes(
		attribute.Int(sandbox.AttrExitCode, res.ExitCode),
		attribute.Bool(sandbox.AttrTimedOut, res.TimedOut),
	)
	return res, nil
}

// buildEnv assembles the guest environment: the output/input directory
// variables, a headless matplotlib backend, and the allow-listed extras
// from the spec. Nothing else from the host environment leaks in.
func buildEnv(extra map[string]string) []string {
	env := []string{
		sandbox.EnvOutputDir + "=" + sandbox.GuestOutputDir,
		sandbox.EnvInputDir + "=" + sandbox.GuestInputDir,
		"MPLBACKEND=Agg",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (r *Runtime) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killGraceTimeout)
	defer cancel()
	if err := r.client.ContainerKill(ctx, id, "KILL"); err != nil {
		log.Warnf("container kill %s: %v", id, err)
	}
}

func (r *Runtime) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := r.client.ContainerRemove(ctx, id, tcontainer.RemoveOptions{
		Force: true,
	})
	if err != nil {
		log.Warnf("container remove %s: %v", id, err)
	}
}

// stageIn uploads the script and input roots into the stopped container
// as a single tar stream rooted at /, creating the guest directory
// layout as a side effect.
func (r *Runtime) stageIn(
	ctx context.Context, id string, spec sandbox.RunSpec,
) error {
	rd, err := stageTar(spec)
	if err != nil {
		return err
	}
	err = r.client.CopyToContainer(
		ctx, id, "/", rd, tcontainer.CopyToContainerOptions{},
	)
	if err != nil {
		return fmt.Errorf("copy staging tree: %w", err)
	}
	return nil
}

// collectOut downloads the guest output directory contents onto the
// host output root so reconciliation works unchanged.
func (r *Runtime) collectOut(
	ctx context.Context, id string, outputRoot string,
) error {
	rc, _, err := r.client.CopyFromContainer(
		ctx, id, sandbox.GuestOutputDir+"/.",
	)
	if err != nil {
		return err
	}
	defer rc.Close()
	return archive.Untar(rc, outputRoot, &archive.TarOptions{NoLchown: true})
}

// stageTar packs the script and input roots under their container-side
// prefixes, plus an empty output directory entry.
func stageTar(spec sandbox.RunSpec) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, dir := range []string{
		sandbox.GuestScriptDir, sandbox.GuestInputDir, sandbox.GuestOutputDir,
	} {
		hdr := &tar.Header{
			Name:     guestRel(dir) + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
	}
	for hostRoot, guestDir := range map[string]string{
		spec.ScriptRoot: sandbox.GuestScriptDir,
		spec.InputRoot:  sandbox.GuestInputDir,
	} {
		if err := addTree(tw, hostRoot, guestRel(guestDir), now); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func addTree(tw *tar.Writer, hostRoot, prefix string, now time.Time) error {
	entries, err := os.ReadDir(hostRoot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(hostRoot, e.Name()))
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    path.Join(prefix, e.Name()),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func guestRel(guestDir string) string {
	return strings.TrimPrefix(guestDir, "/")
}
