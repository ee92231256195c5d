// Package transport provides implementations of the broadcast primitive the
// bridge runs on: a UDP datagram transport for separate processes and an
// in-process loopback for tests and single-binary setups.
package transport

import (
	"sync"

	"errbridge/internal/domain"
)

// Loopback is an in-process Transport. Publish dispatches synchronously on
// the caller's goroutine, one subscriber at a time, which keeps delivery
// deterministic for tests.
type Loopback struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func([]byte)
}

func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string]map[int]func([]byte))}
}

func (l *Loopback) Publish(channel string, data []byte) {
	l.mu.RLock()
	handlers := make([]func([]byte), 0, len(l.subs[channel]))
	for _, h := range l.subs[channel] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	// The lock is released before dispatch so handlers may publish back.
	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
}

func (l *Loopback) Subscribe(channel string, handler func([]byte)) (domain.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[int]func([]byte))
	}
	id := l.next
	l.next++
	l.subs[channel][id] = handler
	return &loopbackSub{l: l, channel: channel, id: id}, nil
}

type loopbackSub struct {
	l       *Loopback
	channel string
	id      int
	once    sync.Once
}

func (s *loopbackSub) Close() error {
	s.once.Do(func() {
		s.l.mu.Lock()
		delete(s.l.subs[s.channel], s.id)
		s.l.mu.Unlock()
	})
	return nil
}
