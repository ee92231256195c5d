package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"errbridge/internal/domain"
)

const maxDatagram = 64 * 1024

// UDP maps each channel name to a fixed loopback address and sends every
// envelope as a single datagram. It has the same semantics as the assumed
// OS broadcast primitive: unordered, at-most-once, no delivery feedback.
type UDP struct {
	addrs  map[string]string // channel name -> host:port
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]net.Conn // cached send sockets per channel
}

// NewUDP creates a transport over the given channel->address map.
func NewUDP(addrs map[string]string, logger *slog.Logger) *UDP {
	return &UDP{
		addrs:  addrs,
		logger: logger,
		conns:  make(map[string]net.Conn),
	}
}

// Publish writes one datagram toward the channel's address and returns
// immediately. Delivery failure is not observable upstream.
func (t *UDP) Publish(channel string, data []byte) {
	conn, err := t.sendConn(channel)
	if err != nil {
		t.logger.Debug("publish skipped", "channel", channel, "err", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		t.logger.Debug("datagram write failed", "channel", channel, "err", err)
	}
}

func (t *UDP) sendConn(channel string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[channel]; ok {
		return c, nil
	}
	addr, ok := t.addrs[channel]
	if !ok {
		return nil, fmt.Errorf("transport: unknown channel %q", channel)
	}
	c, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.conns[channel] = c
	return c, nil
}

// Subscribe binds the channel's address and starts a read loop. The loop is
// the subscription's single dispatch context: datagrams are handled one at
// a time, in arrival order.
func (t *UDP) Subscribe(channel string, handler func([]byte)) (domain.Subscription, error) {
	addr, ok := t.addrs[channel]
	if !ok {
		return nil, fmt.Errorf("transport: unknown channel %q", channel)
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	sub := &udpSub{pc: pc, done: make(chan struct{})}
	go sub.readLoop(handler, t.logger)
	return sub, nil
}

// Close shuts the cached send sockets. Subscriptions are closed by their
// owners.
func (t *UDP) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for channel, c := range t.conns {
		c.Close()
		delete(t.conns, channel)
	}
}

type udpSub struct {
	pc   net.PacketConn
	done chan struct{}
	once sync.Once
}

func (s *udpSub) readLoop(handler func([]byte), logger *slog.Logger) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				logger.Warn("udp read", "err", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handler(data)
	}
}

func (s *udpSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pc.Close()
	})
	return err
}
