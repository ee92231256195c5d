package manager

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"errbridge/internal/bus"
	"errbridge/internal/capture"
	"errbridge/internal/domain"
	"errbridge/internal/store"
	"errbridge/internal/transport"
	"errbridge/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeNotifier struct {
	captured []domain.ErrorRecord
}

func (f *fakeNotifier) RecordCaptured(rec domain.ErrorRecord) {
	f.captured = append(f.captured, rec)
}

type testEnv struct {
	lb      *transport.Loopback
	mgr     *Manager
	client  *bus.Client
	notif   *fakeNotifier
	rules   *capture.Rules
	records *store.SQLite
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "records.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		lb:      transport.NewLoopback(),
		notif:   &fakeNotifier{},
		rules:   capture.Default(),
		records: s,
	}
	env.mgr = New(Config{
		Transport: env.lb,
		Store:     s,
		Rules:     env.rules,
		Notifier:  env.notif,
		Logger:    testLogger(),
	})
	if err := env.mgr.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(env.mgr.Stop)

	env.client = bus.NewClient(env.lb, testLogger())
	if err := env.client.Register(); err != nil {
		t.Fatalf("register client: %v", err)
	}
	t.Cleanup(env.client.Unregister)
	return env
}

// report publishes a capture directly on the request channel, the same
// envelope a bridged host process would send.
func (e *testEnv) report(rec domain.ErrorRecord) {
	data, err := wire.New(bus.ActionReport, bus.KeyRecord, rec).Encode()
	if err != nil {
		panic(err)
	}
	e.lb.Publish(bus.ChannelRequest, data)
}

func (e *testEnv) fetch(t *testing.T) []domain.ErrorRecord {
	t.Helper()
	var got []domain.ErrorRecord
	var called bool
	e.client.FetchRecords(func(records []domain.ErrorRecord) {
		called = true
		got = records
	})
	if !called {
		t.Fatal("fetch callback was not invoked")
	}
	return got
}

func TestCheckActive_RepliesTrue(t *testing.T) {
	env := newTestEnv(t)

	var got atomic.Bool
	var called bool
	env.client.CheckActive(func(active bool) {
		called = true
		got.Store(active)
	})

	if !called {
		t.Fatal("activation callback was not invoked")
	}
	if !got.Load() {
		t.Error("a running manager must report active")
	}
}

func TestReportThenFetch(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	env.report(domain.ErrorRecord{App: "com.example", Tag: "db", Message: "older", CapturedAt: now.Add(-time.Minute)})
	env.report(domain.ErrorRecord{App: "com.example", Tag: "net", Message: "newer", CapturedAt: now})

	got := env.fetch(t)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Message != "newer" || got[1].Message != "older" {
		t.Errorf("expected newest first, got %q then %q", got[0].Message, got[1].Message)
	}
	if got[0].ID == "" {
		t.Error("stored record has no ID")
	}
}

func TestReport_FoldsDuplicates(t *testing.T) {
	env := newTestEnv(t)

	rec := domain.ErrorRecord{App: "com.example", Message: "boom", CapturedAt: time.Now()}
	env.report(rec)
	env.report(rec)
	env.report(rec)

	got := env.fetch(t)
	if len(got) != 1 {
		t.Fatalf("expected 1 folded record, got %d", len(got))
	}
	if got[0].Count != 3 {
		t.Errorf("expected count 3, got %d", got[0].Count)
	}
}

func TestRemoveRecord(t *testing.T) {
	env := newTestEnv(t)

	env.report(domain.ErrorRecord{App: "a", Message: "boom", CapturedAt: time.Now()})
	stored := env.fetch(t)
	if len(stored) != 1 {
		t.Fatalf("expected 1 record, got %d", len(stored))
	}

	var acked bool
	env.client.RemoveRecord(stored[0], func() { acked = true })
	if !acked {
		t.Fatal("remove was not acknowledged")
	}

	if got := env.fetch(t); len(got) != 0 {
		t.Errorf("expected empty store after remove, got %d records", len(got))
	}
}

func TestClearRecords(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	env.report(domain.ErrorRecord{App: "a", Message: "one", CapturedAt: now})
	env.report(domain.ErrorRecord{App: "a", Message: "two", CapturedAt: now})

	var acked bool
	env.client.ClearRecords(func() { acked = true })
	if !acked {
		t.Fatal("clear was not acknowledged")
	}

	if got := env.fetch(t); len(got) != 0 {
		t.Errorf("expected empty store after clear, got %d records", len(got))
	}
}

func TestFetch_EmptyStoreYieldsEmptyList(t *testing.T) {
	env := newTestEnv(t)

	got := env.fetch(t)
	if got == nil {
		t.Fatal("expected an empty list, got nil")
	}
	if len(got) != 0 {
		t.Errorf("expected 0 records, got %d", len(got))
	}
}

func TestUndecodableRequestDropped(t *testing.T) {
	env := newTestEnv(t)

	var replies int32
	if _, err := env.lb.Subscribe(bus.ChannelReply, func([]byte) { atomic.AddInt32(&replies, 1) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env.lb.Publish(bus.ChannelRequest, []byte("not json"))
	env.lb.Publish(bus.ChannelRequest, []byte(`{"action":""}`))
	// A remove request whose payload is not a record gets no ack.
	env.lb.Publish(bus.ChannelRequest, []byte(`{"action":"records.remove","key":"record","payload":"not a record"}`))
	if atomic.LoadInt32(&replies) != 0 {
		t.Errorf("garbage requests produced %d replies", replies)
	}

	// The manager keeps serving after the garbage.
	var active bool
	env.client.CheckActive(func(v bool) { active = v })
	if !active {
		t.Error("manager stopped answering after undecodable requests")
	}
}

func TestNotifier_InvokedOnCapture(t *testing.T) {
	env := newTestEnv(t)

	env.report(domain.ErrorRecord{App: "com.example", Tag: "db", Message: "boom", CapturedAt: time.Now()})

	if len(env.notif.captured) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(env.notif.captured))
	}
	if env.notif.captured[0].Message != "boom" {
		t.Errorf("wrong record notified: %+v", env.notif.captured[0])
	}
}

func TestRules_SuppressReport(t *testing.T) {
	env := newTestEnv(t)
	env.rules.IgnoreTags = []string{"noise"}

	env.report(domain.ErrorRecord{App: "com.example", Tag: "noise", Message: "chatty", CapturedAt: time.Now()})

	if got := env.fetch(t); len(got) != 0 {
		t.Errorf("suppressed record was stored: %d", len(got))
	}
	if len(env.notif.captured) != 0 {
		t.Errorf("suppressed record was notified: %d", len(env.notif.captured))
	}
}

func TestStoreFailure_DoesNotKillManager(t *testing.T) {
	env := newTestEnv(t)

	// Every store call fails once the database is closed.
	env.records.Close()

	// Fetch degrades to an empty list instead of going silent.
	got := env.fetch(t)
	if len(got) != 0 {
		t.Errorf("expected empty list from a failing store, got %d", len(got))
	}

	// Remove still acknowledges after the attempt.
	var acked bool
	env.client.RemoveRecord(domain.ErrorRecord{ID: "x"}, func() { acked = true })
	if !acked {
		t.Error("remove on a failing store was not acknowledged")
	}

	var active bool
	env.client.CheckActive(func(v bool) { active = v })
	if !active {
		t.Error("manager stopped answering after store failures")
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	if err := env.mgr.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}

	var calls int32
	env.client.CheckActive(func(bool) { atomic.AddInt32(&calls, 1) })
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("double start double-delivers: %d replies", calls)
	}

	env.mgr.Stop()
	env.mgr.Stop()

	env.client.CheckActive(func(bool) { atomic.AddInt32(&calls, 1) })
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("stopped manager still replies: %d", calls)
	}
}
