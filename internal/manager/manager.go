// Package manager implements the privileged end of the bridge: a long-lived
// handler that answers bus requests from the management side and ingests
// records reported by the instrumented host process.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"errbridge/internal/bus"
	"errbridge/internal/capture"
	"errbridge/internal/domain"
	"errbridge/internal/metrics"
	"errbridge/internal/wire"
)

const opTimeout = 5 * time.Second

// Notifier receives capture events for out-of-band delivery to an operator.
type Notifier interface {
	RecordCaptured(rec domain.ErrorRecord)
}

// Manager subscribes to the request channel and replies on the reply
// channel. Requests it cannot decode are dropped; store failures degrade to
// safe defaults so the management side always gets an answer where the
// protocol expects one.
type Manager struct {
	tr       domain.Transport
	store    domain.RecordStore
	rules    *capture.Rules
	notifier Notifier // optional
	logger   *slog.Logger

	mu  sync.Mutex
	sub domain.Subscription
}

type Config struct {
	Transport domain.Transport
	Store     domain.RecordStore
	Rules     *capture.Rules
	Notifier  Notifier
	Logger    *slog.Logger
}

func New(cfg Config) *Manager {
	return &Manager{
		tr:       cfg.Transport,
		store:    cfg.Store,
		rules:    cfg.Rules,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}
}

// Start subscribes to the request channel. Starting a started manager is a
// no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return nil
	}
	sub, err := m.tr.Subscribe(bus.ChannelRequest, m.dispatch)
	if err != nil {
		return err
	}
	m.sub = sub
	m.refreshStoredGauge()
	m.logger.Info("bridge manager listening", "channel", bus.ChannelRequest)
	return nil
}

// Stop drops the subscription. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		m.logger.Warn("request subscription close", "err", err)
	}
}

// dispatch handles one inbound request on the subscription's single
// dispatch context. Branches are isolated the same way as on the client
// side: one bad request cannot take the daemon's receiver down.
func (m *Manager) dispatch(data []byte) {
	metrics.EnvelopesReceived.Inc()
	env, err := wire.Decode(data)
	if err != nil {
		metrics.DecodeFailures.Inc()
		m.logger.Debug("dropping undecodable request", "err", err)
		return
	}

	start := time.Now()
	switch env.Action {
	case bus.ActionCheckActive:
		m.isolate(env.Action, m.handleCheckActive)
	case bus.ActionFetch:
		m.isolate(env.Action, m.handleFetch)
	case bus.ActionRemove:
		m.isolate(env.Action, func() { m.handleRemove(env) })
	case bus.ActionClear:
		m.isolate(env.Action, m.handleClear)
	case bus.ActionReport:
		m.isolate(env.Action, func() { m.handleReport(env) })
	default:
		// Unknown action: ignore, a newer peer may speak a wider protocol.
		return
	}
	metrics.HandleLatency.Observe(time.Since(start).Seconds())
}

func (m *Manager) handleCheckActive() {
	m.reply(wire.New(bus.ActionActive, bus.KeyActive, true))
}

func (m *Manager) handleFetch() {
	ctx, cancel := opCtx()
	defer cancel()

	records, err := m.store.List(ctx)
	if err != nil {
		// The management side must still get an answer; degrade to empty.
		m.logger.Error("list records", "err", err)
		records = []domain.ErrorRecord{}
	}
	if records == nil {
		records = []domain.ErrorRecord{}
	}
	m.reply(wire.New(bus.ActionList, bus.KeyRecords, records))
}

func (m *Manager) handleRemove(env wire.Envelope) {
	rec, err := env.Record()
	if err != nil {
		metrics.DecodeFailures.Inc()
		m.logger.Warn("remove request without a decodable record", "err", err)
		return
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := m.store.Delete(ctx, rec.ID); err != nil {
		m.logger.Error("delete record", "id", rec.ID, "err", err)
	}
	m.refreshStoredGauge()
	m.reply(wire.New(bus.ActionRemAck, "", nil))
}

func (m *Manager) handleClear() {
	ctx, cancel := opCtx()
	defer cancel()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("clear records", "err", err)
	}
	m.refreshStoredGauge()
	m.reply(wire.New(bus.ActionClrAck, "", nil))
}

func (m *Manager) handleReport(env wire.Envelope) {
	rec, err := env.Record()
	if err != nil {
		metrics.DecodeFailures.Inc()
		m.logger.Warn("report without a decodable record", "err", err)
		return
	}
	if m.rules != nil {
		if !m.rules.Allow(rec) {
			m.logger.Debug("reported record suppressed by rules", "app", rec.App, "tag", rec.Tag)
			return
		}
		m.rules.Trim(&rec)
	}
	if rec.ID == "" {
		rec.ID = rec.Fingerprint()
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error("save record", "id", rec.ID, "err", err)
		return
	}
	metrics.RecordsCaptured.Inc()
	m.refreshStoredGauge()
	m.logger.Info("record captured", "app", rec.App, "tag", rec.Tag, "id", rec.ID)

	if m.notifier != nil {
		m.notifier.RecordCaptured(rec)
	}
}

func (m *Manager) reply(env wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		m.logger.Error("encode reply", "action", env.Action, "err", err)
		return
	}
	metrics.EnvelopesPublished.Inc()
	m.tr.Publish(bus.ChannelReply, data)
}

func (m *Manager) refreshStoredGauge() {
	ctx, cancel := opCtx()
	defer cancel()
	if n, err := m.store.Count(ctx); err == nil {
		metrics.StoredRecords.Set(int64(n))
	}
}

func (m *Manager) isolate(action string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			m.logger.Error("request handler panic", "action", action, "panic", r)
		}
	}()
	fn()
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}
