// Package session owns one PTY per tab: spawning the shell inside the
// agent's worktree, forwarding output into the sequenced buffer, and
// handling resize, kill and the optional per-tab log file.
package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/ength/aiagent-console/internal/buffer"
	"github.com/ength/aiagent-console/internal/metrics"
)

// LogSpec reports the current logging preferences. It is consulted at
// every PTY start so settings changes apply to the next session.
type LogSpec func() (logDir string, enabled bool)

// Options configures a new Session.
type Options struct {
	AgentName string
	TabName   string
	WorkDir   string
	Buffer    *buffer.Buffer
	LogSpec   LogSpec
	// OnExit is invoked (on the PTY waiter goroutine) after the shell
	// process exits and the buffer has been flushed.
	OnExit func()
}

// Session manages the PTY lifecycle for a single tab.
type Session struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	logFile *os.File
	logPath string
	running bool
	exitCh  chan struct{}
}

// New creates a Session. The PTY is spawned lazily by Start.
func New(opts Options) *Session {
	return &Session{opts: opts}
}

// Start spawns the shell if no PTY is attached yet. Idempotent: when a
// PTY is already running it returns nil without touching it.
func (s *Session) Start(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	shell := resolveDefaultShell()
	cmd := exec.Command(shell)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	winSize := &pty.Winsize{Cols: cols, Rows: rows}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.running = true
	s.exitCh = make(chan struct{})
	s.openLogLocked()
	metrics.ActivePTYs.Inc()

	go s.readOutput(ptmx)
	go s.waitForExit(cmd, s.exitCh)

	slog.Info("pty started",
		"agent", s.opts.AgentName,
		"tab", s.opts.TabName,
		"shell", shell,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Running reports whether a live PTY is attached.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Write forwards input to the PTY. No-op when not running.
func (s *Session) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if _, err := s.ptmx.Write(data); err != nil {
		slog.Debug("pty write failed", "tab", s.opts.TabName, "error", err)
	}
}

// Resize changes the PTY dimensions. No-op when not running.
func (s *Session) Resize(cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		slog.Debug("pty resize failed", "tab", s.opts.TabName, "error", err)
	}
}

// Stop flushes pending output and kills the PTY process. The exit path
// (buffer flush, log close, status publication) runs on the waiter
// goroutine as for a natural exit.
func (s *Session) Stop() {
	s.opts.Buffer.Flush()

	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// Interrupt sends SIGINT to the shell for a graceful shutdown attempt.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
}

// Done returns a channel closed when the current PTY exits. Returns a
// closed channel when no PTY is running.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.exitCh
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (s *Session) readOutput(ptmx *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.opts.Buffer.Append(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("pty read ended",
					"tab", s.opts.TabName,
					"error", err,
				)
			}
			return
		}
	}
}

func (s *Session) waitForExit(cmd *exec.Cmd, exitCh chan struct{}) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.opts.Buffer.Flush()

	s.mu.Lock()
	if s.cmd == cmd {
		s.running = false
		if s.ptmx != nil {
			_ = s.ptmx.Close()
			s.ptmx = nil
		}
		s.closeLogLocked()
	}
	s.mu.Unlock()

	metrics.ActivePTYs.Dec()
	close(exitCh)

	slog.Info("pty exited",
		"agent", s.opts.AgentName,
		"tab", s.opts.TabName,
		"exit_code", exitCode,
	)

	if s.opts.OnExit != nil {
		s.opts.OnExit()
	}
}

func (s *Session) openLogLocked() {
	if s.opts.LogSpec == nil {
		return
	}
	logDir, enabled := s.opts.LogSpec()
	if !enabled || logDir == "" {
		return
	}

	f, path, err := openLogFile(logDir, s.opts.AgentName, s.opts.TabName, s.opts.WorkDir)
	if err != nil {
		// Logging degrades silently: the session runs without a log.
		slog.Warn("failed to open session log", "tab", s.opts.TabName, "error", err)
		return
	}
	s.logFile = f
	s.logPath = path
	s.opts.Buffer.SetLogFunc(func(data []byte) {
		_, _ = f.Write(data)
	})
}

func (s *Session) closeLogLocked() {
	if s.logFile == nil {
		return
	}
	s.opts.Buffer.SetLogFunc(nil)
	_ = s.logFile.Close()
	s.logFile = nil

	path := s.logPath
	s.logPath = ""
	go func() {
		if err := compressLog(path); err != nil {
			slog.Debug("log compression failed", "path", path, "error", err)
		}
	}()
}
