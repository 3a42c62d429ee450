// Package worker executes scan requests: one remote session per host, rules
// run one after another over it, verdicts published back on scan.response.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	"github.com/bryanwahyu/automaton-hardening/internal/domain/rules"
	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
	"github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/remote"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

// outputs above this size are cut before they go on the wire
const maxOutput = 64 << 10

type Worker struct {
	Broker      scans.Broker
	Sessions    *remote.Manager
	Concurrency int
	Clock       application.Clock
	Log         zerolog.Logger
}

// Run consumes scan.request until ctx is done, scanning up to Concurrency
// hosts at a time. It waits for in-flight hosts before returning.
func (w *Worker) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	if w.Concurrency > 0 {
		g.SetLimit(w.Concurrency)
	}
	w.Log.Info().Int("concurrency", w.Concurrency).Msg("worker started")

	err := w.Broker.Subscribe(ctx, protocol.ChannelScanRequest, func(ctx context.Context, payload []byte) {
		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			w.Log.Warn().Err(err).Msg("invalid scan request discarded")
			return
		}
		// blocks when all slots are busy
		g.Go(func() error {
			w.publish(ctx, w.Scan(ctx, req))
			return nil
		})
	})
	_ = g.Wait()
	return err
}

func (w *Worker) publish(ctx context.Context, resp protocol.ScanResponse) {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		w.Log.Error().Err(err).Int64("host_id", resp.HostID).Msg("encode response")
		return
	}
	// the request ctx may already be cancelled on shutdown; the result is still worth sending
	if err := w.Broker.Publish(context.WithoutCancel(ctx), protocol.ChannelScanResponse, payload); err != nil {
		w.Log.Error().Err(err).Int64("host_id", resp.HostID).Str("scan_request_id", resp.ScanRequestID).Msg("publish response")
	}
}

// Scan runs every rule of req against its host and builds the response.
// A connection failure fails the whole host; rule-level problems only
// affect that rule's verdict.
func (w *Worker) Scan(ctx context.Context, req protocol.ScanRequest) protocol.ScanResponse {
	log := w.Log.With().Str("scan_request_id", req.ScanRequestID).Int64("host_id", req.HostID).Logger()
	host := scans.HostTarget{
		ID:       req.HostID,
		Hostname: req.Hostname,
		Address:  req.HostAddress,
		SSHPort:  req.SSHPort,
		Credentials: scans.Credentials{
			Username:   req.Credentials.Username,
			Password:   req.Credentials.Password,
			PrivateKey: req.Credentials.PrivateKey,
		},
	}

	resp := protocol.ScanResponse{
		ScanRequestID: req.ScanRequestID,
		HostID:        req.HostID,
		Status:        protocol.ResponseCompleted,
	}
	verdicts := make([]protocol.RuleVerdict, 0, len(req.Rules))
	err := w.Sessions.WithSession(ctx, host, func(s *remote.Session) error {
		for _, rule := range req.Rules {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			verdicts = append(verdicts, w.runRule(ctx, s, rule))
		}
		return nil
	})
	if err != nil {
		resp.Status = protocol.ResponseFailed
		resp.DetailError = err.Error()
		log.Warn().Err(err).Msg("host scan failed")
	}

	statuses := make([]scans.RuleStatus, 0, len(verdicts))
	for _, v := range verdicts {
		statuses = append(statuses, scans.RuleStatus(v.Status))
	}
	agg := scans.Score(statuses)
	resp.RuleResults = verdicts
	resp.TotalRules = agg.Total
	resp.RulesPassed = agg.Passed
	resp.RulesFailed = agg.Failed
	resp.CompletedAt = w.Clock.Now().UTC()

	log.Info().Str("status", resp.Status).Int("rules", agg.Total).Float64("score", agg.Score).Msg("host scanned")
	return resp
}

func (w *Worker) runRule(ctx context.Context, s *remote.Session, rule protocol.RuleInfo) protocol.RuleVerdict {
	v := protocol.RuleVerdict{RuleID: rule.ID, RuleName: rule.Name}
	if strings.TrimSpace(rule.Command) == "" {
		v.Status = string(scans.RuleSkipped)
		v.Message = "no command for this host"
		return v
	}
	exp, err := rules.FromParameters(rule.Parameters)
	if err != nil {
		v.Status = string(scans.RuleError)
		v.Message = "invalid rule parameters"
		v.DetailsError = err.Error()
		return v
	}

	res, err := s.Run(ctx, rule.Command)
	if err != nil {
		v.Status = string(scans.RuleError)
		v.DetailsError = err.Error()
		var timeout *scanerrors.ExecutionTimeout
		if errors.As(err, &timeout) {
			v.Message = "command timed out"
		} else {
			v.Message = "command execution error"
		}
		return v
	}

	v.Output = truncate(res.Stdout)
	verdict := rules.Evaluate(exp, res.Stdout)
	v.Status = string(verdict.Status)
	v.Message = verdict.Message
	v.DetailsError = verdict.DetailsError
	v.ParsedOutput = verdict.Parsed

	// nothing to compare, so the exit code decides
	if exp.Empty() && res.ExitCode != 0 && verdict.Status == scans.RulePassed {
		v.Status = string(scans.RuleFailed)
		v.Message = fmt.Sprintf("command exited with status %d", res.ExitCode)
		v.DetailsError = truncate(strings.TrimSpace(res.Stderr))
	}
	return v
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	// never split a multi-byte rune
	cut := maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
