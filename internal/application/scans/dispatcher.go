// Package scans holds the dispatch side of a scan run: the Dispatcher that
// publishes one request per host, the Coordinator that pages the fleet into
// batches, and the Listener that persists worker responses.
package scans

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

// Dispatcher turns hosts into scan requests. It is safe for concurrent use.
type Dispatcher struct {
	Inventory domain.Inventory
	Repo      domain.Repository
	Errors    scanerrors.Repository
	Broker    domain.Broker
	Clock     application.Clock
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// BatchSummary counts for one batch of hosts
type BatchSummary struct {
	Batch      int    `json:"batch"`
	Hosts      int    `json:"hosts"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	Error      string `json:"error,omitempty"`
}

func (b *BatchSummary) add(o BatchSummary) {
	b.Hosts += o.Hosts
	b.Dispatched += o.Dispatched
	b.Skipped += o.Skipped
	b.Errors += o.Errors
}

// Dispatch publishes a request for every host. One host failing never stops
// the others.
func (d *Dispatcher) Dispatch(ctx context.Context, scanRequestID, requestedBy string, hosts []*domain.HostTarget) BatchSummary {
	sum := BatchSummary{Hosts: len(hosts)}
	for _, h := range hosts {
		err := d.dispatchHost(ctx, scanRequestID, requestedBy, h)
		switch {
		case err == nil:
			sum.Dispatched++
			d.Metrics.ScansDispatched.Inc()
		case errors.Is(err, scanerrors.ErrDispatchSkip):
			sum.Skipped++
			d.Metrics.ScansSkipped.Inc()
			d.Log.Debug().Int64("host_id", h.ID).Str("reason", err.Error()).Msg("host skipped")
		default:
			sum.Errors++
			d.Metrics.DispatchErrors.Inc()
			d.Log.Error().Err(err).Int64("host_id", h.ID).Str("scan_request_id", scanRequestID).Msg("dispatch failed")
		}
	}
	return sum
}

func (d *Dispatcher) dispatchHost(ctx context.Context, scanRequestID, requestedBy string, h *domain.HostTarget) error {
	if !h.HasWorkload() {
		return scanerrors.Skip(h.ID, "no workload")
	}
	rules, err := d.Inventory.ActiveRules(ctx, h.WorkloadID)
	if err != nil {
		return fmt.Errorf("load rules for workload %d: %w", h.WorkloadID, err)
	}
	if len(rules) == 0 {
		return scanerrors.Skip(h.ID, "no active rules")
	}

	req := buildRequest(scanRequestID, requestedBy, h, rules)
	req.DispatchedAt = d.Clock.Now().UTC()
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}

	// the row must exist before publish so an early response can find it
	result := &domain.ComplianceResult{
		HostID:        h.ID,
		ScanRequestID: scanRequestID,
		RequestedBy:   requestedBy,
		Status:        domain.StatusPending,
		ScanDate:      req.DispatchedAt,
	}
	if err := d.Repo.Create(ctx, result); err != nil {
		return &scanerrors.PersistenceError{Op: "create compliance result", Err: err}
	}

	if err := d.Broker.Publish(ctx, protocol.ChannelScanRequest, payload); err != nil {
		if uerr := d.Repo.UpdateStatus(ctx, result.ID, domain.StatusFailed, err.Error()); uerr != nil {
			d.Log.Warn().Err(uerr).Int64("compliance_id", int64(result.ID)).Msg("could not mark row failed")
		}
		d.recordError(ctx, h.ID, scanRequestID, err)
		return fmt.Errorf("publish host %d: %w", h.ID, err)
	}
	return nil
}

func (d *Dispatcher) recordError(ctx context.Context, hostID int64, scanRequestID string, cause error) {
	if d.Errors == nil {
		return
	}
	e := &scanerrors.ScanError{
		HostID:        hostID,
		ScanRequestID: scanRequestID,
		Phase:         scanerrors.PhaseDispatch,
		Message:       cause.Error(),
	}
	if err := d.Errors.Save(ctx, e); err != nil {
		d.Log.Warn().Err(err).Int64("host_id", hostID).Msg("save scan error")
	}
}

func buildRequest(scanRequestID, requestedBy string, h *domain.HostTarget, rules []*domain.Rule) protocol.ScanRequest {
	infos := make([]protocol.RuleInfo, 0, len(rules))
	for _, r := range rules {
		infos = append(infos, protocol.RuleInfo{
			ID:         r.ID,
			Name:       r.Name,
			Command:    r.Command,
			Parameters: r.Parameters,
		})
	}
	return protocol.ScanRequest{
		ScanRequestID: scanRequestID,
		HostID:        h.ID,
		Hostname:      h.Hostname,
		HostAddress:   h.Address,
		SSHPort:       h.SSHPort,
		Role:          h.Role,
		WorkloadID:    h.WorkloadID,
		WorkloadName:  h.WorkloadName,
		RequestedBy:   requestedBy,
		Credentials: protocol.Credentials{
			Username:   h.Credentials.Username,
			Password:   h.Credentials.Password,
			PrivateKey: h.Credentials.PrivateKey,
		},
		Rules: infos,
	}
}
