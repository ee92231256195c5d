package transport

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()
	return addr
}

func TestUDP_Roundtrip(t *testing.T) {
	tr := NewUDP(map[string]string{"ch": freeAddr(t)}, testLogger())
	defer tr.Close()

	got := make(chan []byte, 1)
	sub, err := tr.Subscribe("ch", func(data []byte) { got <- data })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	tr.Publish("ch", []byte("hello"))

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("expected hello, got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestUDP_UnknownChannel(t *testing.T) {
	tr := NewUDP(map[string]string{}, testLogger())
	defer tr.Close()

	// Publish to an unmapped channel is silently dropped.
	tr.Publish("nowhere", []byte("x"))

	if _, err := tr.Subscribe("nowhere", func([]byte) {}); err == nil {
		t.Fatal("expected error subscribing to an unmapped channel")
	}
}

func TestUDP_SubscriptionCloseIdempotent(t *testing.T) {
	tr := NewUDP(map[string]string{"ch": freeAddr(t)}, testLogger())
	defer tr.Close()

	sub, err := tr.Subscribe("ch", func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
