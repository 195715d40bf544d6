// Package agent spawns and manages external agent CLI processes.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

const (
	stdinBuffer       = 16
	maxLineBuffer     = 1024 * 1024
	scannerInitialBuf = 64 * 1024
)

var (
	// ErrSessionNotFound means no session record exists for the id.
	ErrSessionNotFound = errors.New("agent: session not found")
	// ErrSessionNotRunning means the session's process has exited; its
	// record still exists but stdin is gone.
	ErrSessionNotRunning = errors.New("agent: session not running")
	// ErrSessionPaused means input forwarding is gated.
	ErrSessionPaused = errors.New("agent: session paused")
)

// LineFunc receives one raw line from a process's stdout.
type LineFunc func(line string)

// Handle owns one child process: its stdin writer, its stdout/stderr
// readers and its exit state. A Handle lives exclusively inside the
// registry's keyed collection; nothing holds a back-reference into it.
type Handle struct {
	sessionID string
	runID     string

	cmd     *exec.Cmd
	logFile *os.File

	stdinCh chan string
	stop    chan struct{} // closed to stop the stdin writer
	done    chan struct{} // closed after readers drain and Wait returns

	paused        atomic.Bool
	stopRequested atomic.Bool

	exitCode int
	exitErr  error
}

// start launches the process and its I/O loops. onLine is invoked for every
// stdout line; stderr is drained on its own loop so a stalled stderr can
// never back up stdout into a pipe-buffer deadlock.
func start(cmd *exec.Cmd, sessionID, runID string, logFile *os.File, onLine LineFunc, onExit func(h *Handle)) (*Handle, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &Handle{
		sessionID: sessionID,
		runID:     runID,
		cmd:       cmd,
		logFile:   logFile,
		stdinCh:   make(chan string, stdinBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go h.writeLoop(stdin)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readLoop(stdout, "", onLine, &readers)
	go h.readLoop(stderr, "[stderr] ", nil, &readers)

	go h.waitForExit(&readers, onExit)

	return h, nil
}

// writeLoop drains the bounded stdin channel into the process. Writers
// suspend on the channel when the process applies backpressure.
func (h *Handle) writeLoop(stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		select {
		case text := <-h.stdinCh:
			if _, err := io.WriteString(stdin, text); err != nil {
				return
			}
		case <-h.stop:
			return
		}
	}
}

func (h *Handle) readLoop(r io.ReadCloser, prefix string, onLine LineFunc, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, scannerInitialBuf)
	scanner.Buffer(buf, maxLineBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if h.logFile != nil {
			fmt.Fprintf(h.logFile, "%s%s\n", prefix, line)
		}
		if onLine != nil {
			onLine(line)
		}
	}
}

func (h *Handle) waitForExit(readers *sync.WaitGroup, onExit func(h *Handle)) {
	readers.Wait()
	err := h.cmd.Wait()

	close(h.stop)

	h.exitErr = err
	if err == nil {
		h.exitCode = 0
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		} else {
			h.exitCode = -1
		}
	}

	if h.logFile != nil {
		h.logFile.Close()
	}

	// The exit callback flushes final events and history before the
	// registry forgets the handle.
	if onExit != nil {
		onExit(h)
	}

	close(h.done)
}

// SendInput queues text for the process's stdin, suspending on channel
// backpressure. It fails once the process has exited or while paused.
func (h *Handle) SendInput(text string) error {
	if h.paused.Load() {
		return ErrSessionPaused
	}
	select {
	case <-h.done:
		return ErrSessionNotRunning
	case h.stdinCh <- text:
		return nil
	}
}

// Interrupt sends the platform's graceful-stop signal.
func (h *Handle) Interrupt() error {
	h.stopRequested.Store(true)
	if h.cmd.Process == nil {
		return ErrSessionNotRunning
	}
	err := h.cmd.Process.Signal(syscall.SIGINT)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Kill forcibly terminates the process.
func (h *Handle) Kill() error {
	h.stopRequested.Store(true)
	if h.cmd.Process == nil {
		return ErrSessionNotRunning
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed once the process has exited and its final events have
// been flushed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ExitCode is valid only after Done is closed.
func (h *Handle) ExitCode() int {
	return h.exitCode
}

// ExitErr is valid only after Done is closed.
func (h *Handle) ExitErr() error {
	return h.exitErr
}

// StopRequested reports whether termination was explicitly requested, so a
// deliberate stop is not recorded as a failure.
func (h *Handle) StopRequested() bool {
	return h.stopRequested.Load()
}
