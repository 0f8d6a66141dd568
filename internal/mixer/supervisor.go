package mixer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/bilimix/internal/log"
)

// LaunchError means the encoder executable is missing or unlaunchable.
// It is fatal and never retried.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch encoder: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Options tunes the supervision loop, not the encode itself.
type Options struct {
	FFmpegPath        string
	RestartBackoff    time.Duration // initial delay before a crash respawn
	MaxBackoff        time.Duration // cap for the doubled delay
	BackoffResetAfter time.Duration // run length that resets the delay; 0 disables
	StopTimeout       time.Duration // grace period before SIGKILL
}

func (o *Options) applyDefaults() {
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
}

// Lines containing these markers are surfaced as warnings while draining
// the encoder's output; everything still lands in the log file.
var errorMarkers = []string{"Error", "HTTP error", "403", "404"}

// Supervisor owns one external encoder process: spawn, output drain,
// crash-restart with backoff, and graceful-then-forceful stop.
type Supervisor struct {
	cfg  Config
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	stopCh chan struct{} // closed by Stop to interrupt backoff waits
	doneCh chan struct{} // closed when the run loop exits
}

func New(cfg Config, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start spawns the encoder and begins supervising it. The first launch is
// synchronous so an unlaunchable executable is reported to the caller; after
// that, crash recovery happens in the background when autoRestart is set.
func (s *Supervisor) Start(autoRestart bool) error {
	bin, err := FindFFmpeg(s.opts.FFmpegPath)
	if err != nil {
		close(s.doneCh)
		return err
	}

	args, err := s.cfg.buildArgs()
	if err != nil {
		close(s.doneCh)
		return err
	}

	if s.cfg.OutputKind == OutputHLS {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Output), 0o755); err != nil {
			close(s.doneCh)
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	cmd, sink, err := s.spawn(bin, args)
	if err != nil {
		close(s.doneCh)
		return &LaunchError{Err: err}
	}

	go s.runLoop(bin, args, cmd, sink, autoRestart)
	return nil
}

// spawn starts one encoder process with its output drain attached.
func (s *Supervisor) spawn(bin string, args []string) (*exec.Cmd, *logSink, error) {
	sink, err := openLogSink(s.cfg.logDir())
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(bin, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		sink.Close()
		return nil, nil, err
	}

	go drainOutput(pr, sink)

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	log.L().Info().Int(log.FieldPID, cmd.Process.Pid).Str("output", s.cfg.Output).Msg("encoder started")
	return cmd, sink, nil
}

// runLoop waits for the current process and respawns it with backoff until
// Stop is called or autoRestart is off. The process handle is cleared and
// the log sink closed on every exit path.
func (s *Supervisor) runLoop(bin string, args []string, cmd *exec.Cmd, sink *logSink, autoRestart bool) {
	defer close(s.doneCh)

	backoff := s.opts.RestartBackoff
	for {
		started := time.Now()
		err := cmd.Wait()
		if w, ok := cmd.Stdout.(*io.PipeWriter); ok {
			w.Close()
		}
		sink.Close()

		s.mu.Lock()
		s.cmd = nil
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return
		}
		if err != nil {
			log.L().Warn().Err(err).Msg("encoder exited unexpectedly")
		} else {
			log.L().Info().Msg("encoder exited cleanly")
		}
		if !autoRestart {
			return
		}

		if s.opts.BackoffResetAfter > 0 && time.Since(started) >= s.opts.BackoffResetAfter {
			backoff = s.opts.RestartBackoff
		}

		// Respawn with the same config; launch failures keep backing off
		// rather than giving up.
		for {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > s.opts.MaxBackoff {
				backoff = s.opts.MaxBackoff
			}

			var spawnErr error
			cmd, sink, spawnErr = s.spawn(bin, args)
			if spawnErr == nil {
				break
			}
			log.L().Error().Err(spawnErr).Msg("encoder respawn failed")
		}
	}
}

// Stop suppresses further restarts, asks the running process to terminate,
// and kills it if it outlives the timeout.
func (s *Supervisor) Stop(timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.opts.StopTimeout
	}

	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-s.doneCh:
		return
	case <-time.After(timeout):
	}

	s.mu.Lock()
	cmd = s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	<-s.doneCh
}

// IsRunning reports whether a live process handle exists.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Done is closed when the supervision loop has fully exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.doneCh
}

// Config returns the immutable encoder configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

type logSink struct {
	mu sync.Mutex
	f  *os.File
}

func openLogSink(dir string) (*logSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "ffmpeg-mix.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &logSink{f: f}, nil
}

func (ls *logSink) WriteLine(line string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.f != nil {
		fmt.Fprintln(ls.f, line)
	}
}

func (ls *logSink) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.f != nil {
		ls.f.Close()
		ls.f = nil
	}
}

// drainOutput copies encoder diagnostics into the sink, surfacing known
// error markers as warnings without ever halting the drain.
func drainOutput(r io.Reader, sink *logSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sink.WriteLine(line)
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				log.L().Warn().Str("ffmpeg", line).Msg("encoder reported an error")
				break
			}
		}
	}
}
