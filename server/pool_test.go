package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestNextWorkerPrefersReadyThenRoundRobins exercises the scheduling
// policy directly against zero-value Workers with their state forced,
// the way a scheduler unit test should: no processes involved.
func TestNextWorkerPrefersReadyThenRoundRobins(t *testing.T) {
	w0 := &Worker{}
	w1 := &Worker{}
	p := &WorkerPool{workers: []*Worker{w0, w1}}

	w0.state = WorkerBusy
	w1.state = WorkerReady
	if got := p.NextWorker(); got != w1 {
		t.Fatalf("expected the ready worker w1, got %p", got)
	}

	// both busy: round robin from cursor 0,1,0,1
	w0.state = WorkerBusy
	w1.state = WorkerBusy
	var seq []*Worker
	for i := 0; i < 4; i++ {
		seq = append(seq, p.NextWorker())
	}
	if seq[0] != w0 || seq[1] != w1 || seq[2] != w0 || seq[3] != w1 {
		t.Fatalf("round robin sequence = %v, %v, %v, %v", seq[0] == w0, seq[1] == w0, seq[2] == w0, seq[3] == w0)
	}
}

func TestNextWorkerReturnsNilOnEmptyPool(t *testing.T) {
	p := &WorkerPool{}
	if got := p.NextWorker(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func newTestPool(t *testing.T, size int, directive string) *WorkerPool {
	t.Helper()
	cfg := writeFixtureConfig(t, directive)
	p, err := NewPool(cfg, size, WorkerOptions{Env: fakeWorkerEnv()})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func waitForPoolEvent(t *testing.T, sub <-chan PoolEvent, kind PoolEventKind) PoolEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for pool event %v", kind)
		}
	}
}

func TestPoolSpawnAndProxyHappyPath(t *testing.T) {
	p := newTestPool(t, 2, "ok")
	sub, cancel := p.Subscribe()
	defer cancel()

	if err := p.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForPoolEvent(t, sub, PoolReady)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	if err := p.Proxy(req, rec); err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "hello")
	}

	stats := p.Stats()
	if stats.Workers != 2 {
		t.Fatalf("Workers = %d, want 2", stats.Workers)
	}

	p.Terminate()
	waitForPoolEvent(t, sub, PoolExit)
}

func TestPoolRestartCyclesWorkersAndFiresCallback(t *testing.T) {
	p := newTestPool(t, 1, "ok")
	sub, cancel := p.Subscribe()
	defer cancel()

	if err := p.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForPoolEvent(t, sub, PoolWorkerReady)

	done := make(chan struct{})
	p.Restart(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for restart callback")
	}

	w := p.snapshot()[0]
	timeout := time.After(5 * time.Second)
	for w.State() != WorkerReady {
		select {
		case <-timeout:
			t.Fatalf("worker never returned to ready after restart, state=%v", w.State())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	p.Terminate()
}

func TestPoolWorkerCrashEmitsErrorAndExit(t *testing.T) {
	p := newTestPool(t, 1, "crash:oops")
	sub, cancel := p.Subscribe()
	defer cancel()

	if err := p.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	errEv := waitForPoolEvent(t, sub, PoolWorkerError)
	if errEv.Err == nil || KindOf(errEv.Err) != KindChildCrash {
		t.Fatalf("error event = %v, want child-crash", errEv.Err)
	}
	if !strings.Contains(errEv.Err.Error(), "oops") {
		t.Fatalf("error event = %q, want it to carry the child's message verbatim", errEv.Err.Error())
	}

	ev := waitForPoolEvent(t, sub, PoolWorkerExit)
	if ev.Err == nil || KindOf(ev.Err) != KindChildCrash {
		t.Fatalf("exit err = %v, want child-crash", ev.Err)
	}
	if !strings.Contains(ev.Err.Error(), "oops") {
		t.Fatalf("exit err = %q, want it to carry the child's message verbatim", ev.Err.Error())
	}
}

func TestNewPoolRejectsMissingConfig(t *testing.T) {
	if _, err := NewPool("/nonexistent/path/to/config", 1, WorkerOptions{}); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestNewPoolRejectsZeroSize(t *testing.T) {
	cfg := writeFixtureConfig(t, "ok")
	if _, err := NewPool(cfg, 0, WorkerOptions{}); err == nil {
		t.Fatal("expected error for zero-size pool")
	}
}
