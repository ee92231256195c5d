// Package bus implements the typed request/reply bus between the
// management side and the bridge daemon, on top of a fire-and-forget
// broadcast transport. Requests and replies are decoupled in time: every
// operation returns immediately and its result, if any, arrives later
// through a previously registered callback.
package bus

import (
	"log/slog"
	"sync"

	"errbridge/internal/domain"
	"errbridge/internal/metrics"
	"errbridge/internal/wire"
)

// Client is the management side of the bus. It publishes request envelopes
// on the request channel and demultiplexes reply envelopes into pending
// callback slots. Construct one Client per owning component, Register it
// before issuing requests, and Unregister it on teardown.
//
// Slot semantics: each operation kind holds at most one pending callback;
// issuing a second request of the same kind before the first reply arrives
// silently replaces the old callback (last caller wins). The fetch, remove,
// and clear slots are one-shot and clear themselves on invocation. The
// activation slot is retained, since the bridge may push unsolicited status
// updates.
//
// There is no timeout: if a reply never arrives the stored callback is
// simply never invoked and stays referenced until overwritten or the client
// is unregistered. Callers that need a deadline must layer one on top.
type Client struct {
	tr     domain.Transport
	logger *slog.Logger

	mu       sync.Mutex
	sub      domain.Subscription
	onActive func(bool)
	onFetch  func([]domain.ErrorRecord)
	onRemove func()
	onClear  func()
}

func NewClient(tr domain.Transport, logger *slog.Logger) *Client {
	return &Client{tr: tr, logger: logger}
}

// Register subscribes the client to the reply channel. Registering an
// already registered client is a no-op.
func (c *Client) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}
	sub, err := c.tr.Subscribe(ChannelReply, c.dispatch)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Unregister drops the reply subscription and every pending callback. Safe
// to call repeatedly, or before Register.
func (c *Client) Unregister() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.onActive, c.onFetch, c.onRemove, c.onClear = nil, nil, nil, nil
	c.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		c.logger.Warn("reply subscription close", "err", err)
	}
}

// CheckActive asks the bridge whether the instrumentation is live. The
// callback may fire more than once if the bridge pushes further status
// updates.
func (c *Client) CheckActive(cb func(active bool)) {
	c.mu.Lock()
	c.onActive = cb
	c.mu.Unlock()
	c.publish(wire.New(ActionCheckActive, "", nil))
}

// FetchRecords requests the full captured-record list.
func (c *Client) FetchRecords(cb func(records []domain.ErrorRecord)) {
	c.mu.Lock()
	c.onFetch = cb
	c.mu.Unlock()
	c.publish(wire.New(ActionFetch, "", nil))
}

// RemoveRecord asks the bridge to drop one record, matched by its ID.
func (c *Client) RemoveRecord(rec domain.ErrorRecord, cb func()) {
	c.mu.Lock()
	c.onRemove = cb
	c.mu.Unlock()
	c.publish(wire.New(ActionRemove, KeyRecord, rec))
}

// ClearRecords asks the bridge to drop every stored record.
func (c *Client) ClearRecords(cb func()) {
	c.mu.Lock()
	c.onClear = cb
	c.mu.Unlock()
	c.publish(wire.New(ActionClear, "", nil))
}

func (c *Client) publish(env wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("encode envelope", "action", env.Action, "err", err)
		return
	}
	metrics.EnvelopesPublished.Inc()
	c.tr.Publish(ChannelRequest, data)
}

// dispatch routes one inbound reply to its slot. It runs on the
// subscription's single dispatch context. Each branch is isolated so a bad
// envelope or a panicking callback cannot deafen the receiver to subsequent
// replies.
func (c *Client) dispatch(data []byte) {
	metrics.EnvelopesReceived.Inc()
	env, err := wire.Decode(data)
	if err != nil {
		// Malformed or unrelated broadcast: drop without noise.
		metrics.DecodeFailures.Inc()
		c.logger.Debug("dropping undecodable envelope", "err", err)
		return
	}

	switch env.Action {
	case ActionActive:
		c.isolate(env.Action, func() { c.handleActive(env) })
	case ActionList:
		c.isolate(env.Action, func() { c.handleList(env) })
	case ActionRemAck:
		c.isolate(env.Action, c.handleRemoveAck)
	case ActionClrAck:
		c.isolate(env.Action, c.handleClearAck)
	default:
		// Unknown action: a newer peer may speak a wider protocol. Ignore.
	}
}

func (c *Client) handleActive(env wire.Envelope) {
	v, err := env.Bool()
	active := err == nil && v == activeValue

	c.mu.Lock()
	cb := c.onActive // retained across invocations
	c.mu.Unlock()

	if cb != nil {
		cb(active)
	}
}

func (c *Client) handleList(env wire.Envelope) {
	records, err := env.Records()
	if err != nil {
		// Degrade to an empty list; the consumer must never crash on a
		// malformed list reply.
		metrics.DecodeFailures.Inc()
		c.logger.Warn("record list reply did not decode", "err", err)
		records = []domain.ErrorRecord{}
	}

	c.mu.Lock()
	cb := c.onFetch
	c.onFetch = nil
	c.mu.Unlock()

	if cb != nil {
		cb(records)
	}
}

func (c *Client) handleRemoveAck() {
	c.mu.Lock()
	cb := c.onRemove
	c.onRemove = nil
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (c *Client) handleClearAck() {
	c.mu.Lock()
	cb := c.onClear
	c.onClear = nil
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (c *Client) isolate(action string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			c.logger.Error("reply handler panic", "action", action, "panic", r)
		}
	}()
	fn()
}
