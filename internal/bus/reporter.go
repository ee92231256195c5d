package bus

import (
	"log/slog"
	"time"

	"errbridge/internal/capture"
	"errbridge/internal/domain"
	"errbridge/internal/metrics"
	"errbridge/internal/wire"
)

// Reporter is the host-process side of the bus: it publishes captured error
// records toward the bridge daemon. Like every publish, reporting is
// fire-and-forget; the host never learns whether anyone was listening.
type Reporter struct {
	tr     domain.Transport
	rules  *capture.Rules // optional; nil reports everything untrimmed
	logger *slog.Logger
}

func NewReporter(tr domain.Transport, rules *capture.Rules, logger *slog.Logger) *Reporter {
	return &Reporter{tr: tr, rules: rules, logger: logger}
}

// Report publishes one captured record. Records suppressed by the capture
// rules are dropped locally. ID and timestamp are filled in when absent.
func (r *Reporter) Report(rec domain.ErrorRecord) {
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}
	if rec.ID == "" {
		rec.ID = rec.Fingerprint()
	}
	if r.rules != nil {
		if !r.rules.Allow(rec) {
			r.logger.Debug("record suppressed by capture rules", "app", rec.App, "tag", rec.Tag)
			return
		}
		r.rules.Trim(&rec)
	}

	data, err := wire.New(ActionReport, KeyRecord, rec).Encode()
	if err != nil {
		r.logger.Error("encode report envelope", "err", err)
		return
	}
	metrics.RecordsReported.Inc()
	metrics.EnvelopesPublished.Inc()
	r.tr.Publish(ChannelRequest, data)
}
