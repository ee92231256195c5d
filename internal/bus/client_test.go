package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"errbridge/internal/domain"
	"errbridge/internal/transport"
	"errbridge/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T) (*Client, *transport.Loopback) {
	t.Helper()
	lb := transport.NewLoopback()
	c := NewClient(lb, testLogger())
	if err := c.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(c.Unregister)
	return c, lb
}

// captureRequests records every envelope published on the request channel.
func captureRequests(t *testing.T, lb *transport.Loopback) *[]wire.Envelope {
	t.Helper()
	var sent []wire.Envelope
	_, err := lb.Subscribe(ChannelRequest, func(data []byte) {
		env, err := wire.Decode(data)
		if err != nil {
			t.Errorf("request did not decode: %v", err)
			return
		}
		sent = append(sent, env)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return &sent
}

func reply(lb *transport.Loopback, env wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		panic(err)
	}
	lb.Publish(ChannelReply, data)
}

func TestRequests_PublishOneEnvelopeEach(t *testing.T) {
	c, lb := newTestClient(t)
	sent := captureRequests(t, lb)

	rec := domain.ErrorRecord{ID: "abc", App: "com.example", Message: "boom"}

	c.CheckActive(func(bool) {})
	c.FetchRecords(func([]domain.ErrorRecord) {})
	c.RemoveRecord(rec, func() {})
	c.ClearRecords(func() {})

	if len(*sent) != 4 {
		t.Fatalf("expected 4 request envelopes, got %d", len(*sent))
	}
	wantActions := []string{ActionCheckActive, ActionFetch, ActionRemove, ActionClear}
	for i, want := range wantActions {
		if (*sent)[i].Action != want {
			t.Errorf("request %d: expected action %s, got %s", i, want, (*sent)[i].Action)
		}
	}

	got, err := (*sent)[2].Record()
	if err != nil {
		t.Fatalf("remove payload: %v", err)
	}
	if got.ID != "abc" || got.Message != "boom" {
		t.Errorf("remove payload mismatch: %+v", got)
	}
}

func TestFetchReply_InvokedOncePreservingOrder(t *testing.T) {
	c, lb := newTestClient(t)

	var calls int32
	var got []domain.ErrorRecord
	c.FetchRecords(func(records []domain.ErrorRecord) {
		atomic.AddInt32(&calls, 1)
		got = records
	})

	recs := []domain.ErrorRecord{
		{ID: "1", App: "a", Message: "first", CapturedAt: time.Now()},
		{ID: "2", App: "a", Message: "second", CapturedAt: time.Now()},
		{ID: "3", App: "a", Message: "third", CapturedAt: time.Now()},
	}
	reply(lb, wire.New(ActionList, KeyRecords, recs))

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", calls)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, id := range []string{"1", "2", "3"} {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	// The slot is one-shot: a stray second reply does nothing.
	reply(lb, wire.New(ActionList, KeyRecords, recs))
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("stray reply re-invoked the callback: %d calls", calls)
	}
}

func TestFetchReply_UndecodableYieldsEmptyList(t *testing.T) {
	c, lb := newTestClient(t)

	var calls int32
	var got []domain.ErrorRecord
	c.FetchRecords(func(records []domain.ErrorRecord) {
		atomic.AddInt32(&calls, 1)
		got = records
	})

	lb.Publish(ChannelReply, []byte(`{"action":"records.list","key":"records","payload":{"not":"a list"}}`))

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", calls)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
}

func TestActiveReply_Values(t *testing.T) {
	c, lb := newTestClient(t)

	var last atomic.Bool
	var calls int32
	c.CheckActive(func(active bool) {
		atomic.AddInt32(&calls, 1)
		last.Store(active)
	})

	reply(lb, wire.New(ActionActive, KeyActive, true))
	if !last.Load() {
		t.Error("expected active=true for the expected value")
	}

	reply(lb, wire.New(ActionActive, KeyActive, false))
	if last.Load() {
		t.Error("expected active=false for a non-matching value")
	}

	reply(lb, wire.New(ActionActive, KeyActive, "yes"))
	if last.Load() {
		t.Error("expected active=false for a wrong payload type")
	}

	// The activation slot is retained across pushes.
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 invocations, got %d", calls)
	}
}

func TestFetch_LastWriteWins(t *testing.T) {
	c, lb := newTestClient(t)

	var first, second int32
	c.FetchRecords(func([]domain.ErrorRecord) { atomic.AddInt32(&first, 1) })
	c.FetchRecords(func([]domain.ErrorRecord) { atomic.AddInt32(&second, 1) })

	reply(lb, wire.New(ActionList, KeyRecords, []domain.ErrorRecord{}))

	if atomic.LoadInt32(&first) != 0 {
		t.Error("replaced callback must never be invoked")
	}
	if atomic.LoadInt32(&second) != 1 {
		t.Errorf("expected 1 invocation of the replacement, got %d", second)
	}
}

func TestRemoveAck_OneShot(t *testing.T) {
	c, lb := newTestClient(t)

	var calls int32
	c.RemoveRecord(domain.ErrorRecord{ID: "r"}, func() { atomic.AddInt32(&calls, 1) })

	reply(lb, wire.New(ActionRemAck, "", nil))
	reply(lb, wire.New(ActionRemAck, "", nil))

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", calls)
	}
}

func TestClearAck_OneShot(t *testing.T) {
	c, lb := newTestClient(t)

	var calls int32
	c.ClearRecords(func() { atomic.AddInt32(&calls, 1) })

	reply(lb, wire.New(ActionClrAck, "", nil))
	reply(lb, wire.New(ActionClrAck, "", nil))

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", calls)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	c, lb := newTestClient(t)
	if err := c.Register(); err != nil {
		t.Fatalf("second register: %v", err)
	}

	var calls int32
	c.CheckActive(func(bool) { atomic.AddInt32(&calls, 1) })
	reply(lb, wire.New(ActionActive, KeyActive, true))

	// A double registration must not double-deliver.
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 invocation, got %d", calls)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	lb := transport.NewLoopback()
	c := NewClient(lb, testLogger())

	// Unregister before Register must be absorbed.
	c.Unregister()

	if err := c.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Unregister()
	c.Unregister()
}

func TestRepliesIgnoredAfterUnregister(t *testing.T) {
	c, lb := newTestClient(t)

	var calls int32
	c.CheckActive(func(bool) { atomic.AddInt32(&calls, 1) })
	c.Unregister()

	reply(lb, wire.New(ActionActive, KeyActive, true))
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("callback invoked after unregister: %d", calls)
	}
}

func TestCallbackPanic_DoesNotKillReceiver(t *testing.T) {
	c, lb := newTestClient(t)

	c.FetchRecords(func([]domain.ErrorRecord) { panic("bad callback") })
	reply(lb, wire.New(ActionList, KeyRecords, []domain.ErrorRecord{}))

	var calls int32
	c.CheckActive(func(bool) { atomic.AddInt32(&calls, 1) })
	reply(lb, wire.New(ActionActive, KeyActive, true))

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("receiver stopped working after a panicking callback")
	}
}

func TestUnknownAndMalformedEnvelopesIgnored(t *testing.T) {
	c, lb := newTestClient(t)

	var calls int32
	c.CheckActive(func(bool) { atomic.AddInt32(&calls, 1) })

	lb.Publish(ChannelReply, []byte("not json"))
	lb.Publish(ChannelReply, []byte(`{"action":""}`))
	reply(lb, wire.New("future.unknown_action", "", nil))

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("unexpected callback invocations: %d", calls)
	}

	// The receiver still works afterwards.
	reply(lb, wire.New(ActionActive, KeyActive, true))
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 invocation, got %d", calls)
	}
}
