// Package recorder owns a channel's recording session: it drives the
// capture backend, watches its health, rotates segments, retries after
// stalls, and hands completed files to the artifact pipeline. At most one
// session exists per channel at any instant; that invariant lives here.
package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// BackendStatus is a point-in-time view of a capture process.
type BackendStatus struct {
	Running         bool
	BytesProgressed int64
	ExitCode        int
	Err             error
}

// Handle controls one running capture.
type Handle interface {
	// Stop asks the capture to finish cleanly and blocks until the process
	// is fully gone and its resources released. Safe to call twice.
	Stop(ctx context.Context) error
	Status() BackendStatus
}

// Backend launches captures. The production implementation shells out to
// ffmpeg; tests substitute a scriptable fake.
type Backend interface {
	Start(ctx context.Context, streamURL, outPath, container string) (Handle, error)
}

// FFmpeg captures a stream URL to disk with codec copy. The output is
// always an MPEG-TS file: TS survives truncation at any byte, so a crash
// or kill never produces an unreadable container.
type FFmpeg struct {
	// Binary overrides the ffmpeg executable path. Empty means $PATH lookup.
	Binary string
	// UserAgent sent for HTTP(S) inputs; some CDNs reject the ffmpeg default.
	UserAgent string
	// StopGrace bounds how long Stop waits after the quit signal before
	// escalating to SIGKILL. Zero means 10s.
	StopGrace time.Duration
}

func (f *FFmpeg) Start(ctx context.Context, streamURL, outPath, container string) (Handle, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin", "-y"}
	if f.UserAgent != "" {
		args = append(args, "-user_agent", f.UserAgent)
	}
	// Reconnect flags only apply to http inputs; ffmpeg ignores them for
	// other protocols, so adding them unconditionally is safe.
	args = append(args,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "10",
		"-i", streamURL,
		"-c", "copy",
		"-f", "mpegts",
		outPath,
	)
	// Deliberately not CommandContext: context cancellation must not
	// SIGKILL mid-write. The session loop calls Stop, which signals quit
	// and waits, keeping the container playable.
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	h := &ffmpegHandle{cmd: cmd, outPath: outPath, grace: f.StopGrace, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()
	_ = container // the hint picked the input; output is always TS
	return h, nil
}

type ffmpegHandle struct {
	cmd     *exec.Cmd
	outPath string
	grace   time.Duration
	done    chan struct{}

	mu       sync.Mutex
	exited   bool
	waitErr  error
	stopOnce sync.Once
}

func (h *ffmpegHandle) Status() BackendStatus {
	st := BackendStatus{}
	if fi, err := os.Stat(h.outPath); err == nil {
		st.BytesProgressed = fi.Size()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		st.Running = true
		return st
	}
	st.Err = h.waitErr
	if h.cmd.ProcessState != nil {
		st.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	return st
}

// Stop signals ffmpeg to finalize (SIGINT flushes and closes the output),
// escalating to SIGKILL after the grace period. It returns once the
// process has been reaped.
func (h *ffmpegHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if !exited && h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGINT)
		}
	})
	grace := h.grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	return nil
}
