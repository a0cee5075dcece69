package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/docstore/storeopen"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunRejectsBadUsage(t *testing.T) {
	cases := [][]string{
		nil,
		{"dial"},
		{"answer"},
		{"inspect", "a", "b"},
	}
	for _, args := range cases {
		cfg := config.Config{Args: args, Store: config.StoreMemory}
		if code := run(context.Background(), cfg, quietLogger(), io.Discard); code != 2 {
			t.Fatalf("run(%q)=%d, want 2", args, code)
		}
	}
}

func TestMediaSourceSelection(t *testing.T) {
	logger := quietLogger()
	if _, ok := mediaSource(config.Config{Media: config.MediaSynthetic}, logger).(media.SyntheticSource); !ok {
		t.Fatalf("synthetic media did not select SyntheticSource")
	}
	if _, ok := mediaSource(config.Config{Media: config.MediaDevices}, logger).(media.DeviceSource); !ok {
		t.Fatalf("devices media did not select DeviceSource")
	}
	if src := mediaSource(config.Config{Media: config.MediaNone}, logger); src != nil {
		t.Fatalf("none media selected %T, want nil", src)
	}
}

func TestInspectMissingCallFails(t *testing.T) {
	cfg := config.Config{Args: []string{"inspect", "nope"}, Store: config.StoreMemory}
	if code := run(context.Background(), cfg, quietLogger(), io.Discard); code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
}

func TestInspectPrintsRecordAndCandidates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Config{
		Store:             config.StoreSQLite,
		StoreDSN:          filepath.Join(t.TempDir(), "calls.db"),
		StorePollInterval: 20 * time.Millisecond,
	}
	store, err := storeopen.Open(ctx, cfg, quietLogger(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	a := signaling.NewAdapter(store, quietLogger(), nil)
	ref := a.CreateCallRecord()
	offer := signaling.SessionDescription{Type: "offer", SDP: "v=0 offer"}
	if err := a.UpdateCallRecord(ctx, ref, signaling.CallUpdate{Offer: &offer}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	cand := signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
	if err := a.AppendCandidate(ctx, ref, signaling.Caller, cand); err != nil {
		t.Fatalf("append: %v", err)
	}

	inspectCtx, stop := context.WithCancel(ctx)
	out := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		cfg := cfg
		cfg.Args = []string{"inspect", ref.ID}
		done <- run(inspectCtx, cfg, quietLogger(), out)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "caller candidate #") {
		if time.Now().After(deadline) {
			stop()
			t.Fatalf("output missing caller candidate:\n%s", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	stop()
	if code := <-done; code != 0 {
		t.Fatalf("code=%d, want 0", code)
	}

	got := out.String()
	for _, want := range []string{"call " + ref.ID, "offer: type=offer", "answer: none", "10.0.0.1 5000"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPresenterPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	p := newPresenter(&buf, "caller")
	p.printf("phase=%s", "idle")
	if got, want := buf.String(), "caller: phase=idle\n"; got != want {
		t.Fatalf("output=%q, want %q", got, want)
	}
}

type fakeWatcher struct {
	ch chan call.Status
}

func (f fakeWatcher) Watch() (<-chan call.Status, func()) { return f.ch, func() {} }

func TestWaitCallReturnsFailure(t *testing.T) {
	storeErr := errors.New("store unavailable")
	w := fakeWatcher{ch: make(chan call.Status, 2)}
	w.ch <- call.Status{Phase: call.PhaseAwaitingAnswer}
	w.ch <- call.Status{Phase: call.PhaseFailed, Err: storeErr}

	done := make(chan error, 1)
	go func() { done <- waitCall(context.Background(), w) }()
	select {
	case err := <-done:
		if !errors.Is(err, storeErr) {
			t.Fatalf("err=%v, want %v", err, storeErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waitCall did not return after the call failed")
	}

	w = fakeWatcher{ch: make(chan call.Status, 1)}
	w.ch <- call.Status{Phase: call.PhaseFailed}
	if err := waitCall(context.Background(), w); !errors.Is(err, errCallFailed) {
		t.Fatalf("err=%v, want %v", err, errCallFailed)
	}
}

func TestWaitCallEndsOnInterruptOrHangup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitCall(ctx, fakeWatcher{ch: make(chan call.Status)}); err != nil {
		t.Fatalf("interrupted: err=%v, want nil", err)
	}

	w := fakeWatcher{ch: make(chan call.Status, 1)}
	w.ch <- call.Status{Phase: call.PhaseClosed}
	if err := waitCall(context.Background(), w); err != nil {
		t.Fatalf("closed: err=%v, want nil", err)
	}

	closed := make(chan call.Status)
	close(closed)
	if err := waitCall(context.Background(), fakeWatcher{ch: closed}); err != nil {
		t.Fatalf("watch closed: err=%v, want nil", err)
	}
}
