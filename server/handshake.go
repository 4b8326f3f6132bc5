package server

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mkfifo creates the handshake pipe. Isolated behind this wrapper per
// the Design Note on FIFO handshakes: an implementation without
// implicit FIFO semantics swaps this one function.
func mkfifo(path string, mode uint32) error {
	return unix.Mkfifo(path, mode)
}

// awaitHandshake encodes the one-bit child->parent synchronisation: the
// worker is not ready until the child has both closed its write end of
// the pipe (observed here as EOF on the read end) and the supervisor
// has itself reopened the pipe for writing. It always runs on its own
// goroutine so it never blocks the caller that triggered Spawn.
func (w *Worker) awaitHandshake(pipePath string) {
	rf, err := os.OpenFile(pipePath, os.O_RDONLY, 0)
	if err != nil {
		w.emit(EventError, wrapSpawnIO("open pipe for reading", err))
		return
	}

	if _, err := io.Copy(io.Discard, rf); err != nil {
		_ = rf.Close()
		w.emit(EventError, wrapSpawnIO("read handshake pipe", err))
		return
	}
	_ = rf.Close()

	wf, err := os.OpenFile(pipePath, os.O_WRONLY, 0)
	if err != nil {
		w.emit(EventError, wrapSpawnIO("open pipe for writing", err))
		return
	}

	w.mu.Lock()
	if w.state != WorkerSpawning {
		// child exited (or was terminated) mid-handshake
		w.mu.Unlock()
		_ = wf.Close()
		return
	}
	w.pipeWriter = wf
	w.state = WorkerReady
	w.cond.Broadcast()
	w.mu.Unlock()

	w.emit(EventReady, nil)
}

func wrapSpawnIO(step string, err error) error {
	return &spawnIOError{step: step, err: err}
}

type spawnIOError struct {
	step string
	err  error
}

func (e *spawnIOError) Error() string {
	return "spawn-io: " + e.step + ": " + e.err.Error()
}

func (e *spawnIOError) Unwrap() error {
	return ErrSpawnIO
}
