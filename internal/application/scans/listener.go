package scans

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

// ErrUncorrelated is returned for a response with no open compliance result.
var ErrUncorrelated = errors.New("no open compliance result for response")

// ListenerStats counters since the listener was built
type ListenerStats struct {
	Received  int64 `json:"received"`
	Saved     int64 `json:"saved"`
	Failed    int64 `json:"failed"`
	Discarded int64 `json:"discarded"`
}

// Listener persists worker responses and notifies the requester.
type Listener struct {
	Repo     domain.Repository
	Errors   scanerrors.Repository
	Broker   domain.Broker
	Notifier domain.Notifier
	// Archive is optional; raw payloads are kept for manual replay.
	Archive domain.ArchiveStore
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	received, saved, failed, discarded atomic.Int64
}

// Run subscribes to scan.response until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	l.Log.Info().Str("channel", protocol.ChannelScanResponse).Msg("listener started")
	return l.Broker.Subscribe(ctx, protocol.ChannelScanResponse, func(ctx context.Context, payload []byte) {
		_ = l.Handle(ctx, payload)
	})
}

func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Received:  l.received.Load(),
		Saved:     l.saved.Load(),
		Failed:    l.failed.Load(),
		Discarded: l.discarded.Load(),
	}
}

// Handle processes one message. Nothing is retried: a response that fails
// here is lost.
func (l *Listener) Handle(ctx context.Context, payload []byte) error {
	l.received.Add(1)

	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		l.discard("invalid", err)
		return err
	}
	log := l.Log.With().Str("scan_request_id", resp.ScanRequestID).Int64("host_id", resp.HostID).Logger()

	result, err := l.Repo.FindOpen(ctx, resp.HostID, resp.ScanRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		l.discard("uncorrelated", ErrUncorrelated)
		log.Warn().Msg("response without open compliance result discarded")
		return ErrUncorrelated
	}
	if err != nil {
		return l.fail(ctx, log, resp, &scanerrors.PersistenceError{Op: "find open result", Err: err})
	}
	if result.ScanRequestID != resp.ScanRequestID {
		log.Info().Str("matched_request", result.ScanRequestID).Msg("response matched by host id")
	}

	if err := l.Repo.UpdateStatus(ctx, result.ID, domain.StatusRunning, ""); err != nil {
		if errors.Is(err, domain.ErrNotOpen) {
			l.discard("cancelled", err)
			return err
		}
		return l.fail(ctx, log, resp, &scanerrors.PersistenceError{Op: "mark running", Err: err})
	}

	results := toRuleResults(resp.RuleResults)
	result.Apply(domain.ScoreResults(results))
	result.Status = domain.StatusCompleted
	result.DetailError = resp.DetailError
	if resp.Status == protocol.ResponseFailed {
		result.Status = domain.StatusFailed
	}

	if err := l.Repo.Finalize(ctx, result, results); err != nil {
		if errors.Is(err, domain.ErrNotOpen) {
			l.discard("cancelled", err)
			return err
		}
		return l.fail(ctx, log, resp, &scanerrors.PersistenceError{Op: "finalize", Err: err})
	}

	l.saved.Add(1)
	l.Metrics.Responses.WithLabelValues(string(result.Status)).Inc()
	log.Info().
		Int64("compliance_id", int64(result.ID)).
		Str("status", string(result.Status)).
		Float64("score", result.Score).
		Int("rules", result.TotalRules).
		Msg("response saved")

	if result.Status == domain.StatusFailed && resp.DetailError != "" {
		l.recordError(ctx, resp, scanerrors.PhaseSession, resp.DetailError)
	}
	l.archive(ctx, log, resp, payload)
	l.notify(result)
	return nil
}

func (l *Listener) discard(reason string, err error) {
	l.discarded.Add(1)
	l.Metrics.Responses.WithLabelValues("discarded_" + reason).Inc()
	if reason == "invalid" {
		l.Log.Warn().Err(err).Msg("invalid response discarded")
	}
}

func (l *Listener) fail(ctx context.Context, log zerolog.Logger, resp protocol.ScanResponse, err error) error {
	l.failed.Add(1)
	l.Metrics.Responses.WithLabelValues("persist_error").Inc()
	log.Error().Err(err).Msg("response not persisted")
	l.recordError(ctx, resp, scanerrors.PhaseListen, err.Error())
	return err
}

func (l *Listener) recordError(ctx context.Context, resp protocol.ScanResponse, phase, msg string) {
	if l.Errors == nil {
		return
	}
	e := &scanerrors.ScanError{
		HostID:        resp.HostID,
		ScanRequestID: resp.ScanRequestID,
		Phase:         phase,
		Message:       msg,
		DetailsJSON:   fmt.Sprintf(`{"status":%q,"total_rules":%d}`, resp.Status, resp.TotalRules),
	}
	if err := l.Errors.Save(ctx, e); err != nil {
		l.Log.Warn().Err(err).Int64("host_id", resp.HostID).Msg("save scan error")
	}
}

func (l *Listener) archive(ctx context.Context, log zerolog.Logger, resp protocol.ScanResponse, payload []byte) {
	if l.Archive == nil {
		return
	}
	key := fmt.Sprintf("responses/%s/%d.json", resp.ScanRequestID, resp.HostID)
	if _, err := l.Archive.Put(ctx, key, payload); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("archive response failed")
	}
}

func (l *Listener) notify(r *domain.ComplianceResult) {
	if l.Notifier == nil {
		return
	}
	typ := domain.EventScanCompleted
	if r.Status == domain.StatusFailed {
		typ = domain.EventScanFailed
	}
	l.Notifier.Notify(domain.Event{Type: typ, Recipient: r.RequestedBy, Data: r})
}

func toRuleResults(verdicts []protocol.RuleVerdict) []*domain.RuleResult {
	out := make([]*domain.RuleResult, 0, len(verdicts))
	for _, v := range verdicts {
		out = append(out, &domain.RuleResult{
			RuleID:       v.RuleID,
			RuleName:     v.RuleName,
			Status:       domain.RuleStatus(v.Status),
			Message:      v.Message,
			DetailsError: v.DetailsError,
			Output:       v.Output,
			ParsedOutput: v.ParsedOutput,
		})
	}
	return out
}
