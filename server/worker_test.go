package server

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFixtureConfig(t *testing.T, directive string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.fixture")
	if err := os.WriteFile(path, []byte(directive), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func waitForWorkerEvent(t *testing.T, w *Worker, kind WorkerEventKind) WorkerEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for worker event %v", kind)
		}
	}
}

func TestWorkerSpawnReachesReady(t *testing.T) {
	cfg := writeFixtureConfig(t, "ok")
	w, err := NewWorker(cfg, WorkerOptions{Env: fakeWorkerEnv()})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if w.State() != WorkerAbsent {
		t.Fatalf("initial state = %v, want absent", w.State())
	}

	if err := w.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForWorkerEvent(t, w, EventReady)
	if w.State() != WorkerReady {
		t.Fatalf("state after handshake = %v, want ready", w.State())
	}

	if err := w.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitForWorkerEvent(t, w, EventExit)
}

func TestWorkerDialRoundTripsOneExchange(t *testing.T) {
	cfg := writeFixtureConfig(t, "ok")
	w, err := NewWorker(cfg, WorkerOptions{Env: fakeWorkerEnv()})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForWorkerEvent(t, w, EventReady)

	cl, err := w.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if w.State() != WorkerBusy {
		t.Fatalf("state after Dial = %v, want busy", w.State())
	}

	u, _ := url.Parse("/")
	ex := cl.Request("GET", u, nil, nil)
	if err := ex.End(nil); err != nil {
		t.Fatalf("End: %v", err)
	}

	var body []byte
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-ex.Events():
			if !ok {
				break loop
			}
			if ev.Kind == EventData {
				body = append(body, ev.Data...)
			}
			if ev.Kind == EventEnd {
				break loop
			}
			if ev.Kind == EventError {
				t.Fatalf("exchange error: %v", ev.Err)
			}
		case <-timeout:
			t.Fatal("timed out waiting for exchange to finish")
		}
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}

	waitForWorkerEvent(t, w, EventReady) // connection close returns worker to ready
	if w.State() != WorkerReady {
		t.Fatalf("state after exchange = %v, want ready", w.State())
	}

	_ = w.Terminate()
}

func TestWorkerCrashWhileReadyEmitsChildCrashExit(t *testing.T) {
	cfg := writeFixtureConfig(t, "crash:b00m")
	w, err := NewWorker(cfg, WorkerOptions{Env: fakeWorkerEnv()})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	errEv := waitForWorkerEvent(t, w, EventError)
	if errEv.Err == nil || KindOf(errEv.Err) != KindChildCrash {
		t.Fatalf("error event = %v, want child-crash", errEv.Err)
	}
	if !strings.Contains(errEv.Err.Error(), "b00m") {
		t.Fatalf("error event = %q, want it to carry the child's message verbatim", errEv.Err.Error())
	}

	ev := waitForWorkerEvent(t, w, EventExit)
	if ev.Err == nil {
		t.Fatal("expected non-nil error on unexpected exit")
	}
	if KindOf(ev.Err) != KindChildCrash {
		t.Fatalf("KindOf(err) = %v, want %v", KindOf(ev.Err), KindChildCrash)
	}
	if !strings.Contains(ev.Err.Error(), "b00m") {
		t.Fatalf("exit err = %q, want it to carry the child's message verbatim", ev.Err.Error())
	}
	if w.State() != WorkerAbsent {
		t.Fatalf("state after crash = %v, want absent", w.State())
	}
}
