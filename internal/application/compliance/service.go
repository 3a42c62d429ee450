// Package compliance holds the read side of scan results plus the actions
// that change them after the fact: remediation, rescoring, cancellation.
package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

// Service is safe for concurrent use.
type Service struct {
	Repo      domain.Repository
	Inventory domain.Inventory
	Errors    scanerrors.Repository
	Notifier  domain.Notifier
	Log       zerolog.Logger
}

const maxPageSize = 100

// Rescore recomputes the aggregate from the persisted rule results and
// writes it back in place. Calling it twice gives the same numbers.
func (s *Service) Rescore(ctx context.Context, id domain.ResultID) (*domain.ComplianceResult, error) {
	agg, err := s.Repo.Rescore(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rescore %d: %w", id, err)
	}
	return s.rescored(ctx, id, agg)
}

// UpdateRuleResultStatus is the remediation path: one verdict is corrected
// by hand and the owning result is rescored in the same transaction.
func (s *Service) UpdateRuleResultStatus(ctx context.Context, ruleResultID int64, status domain.RuleStatus) (*domain.ComplianceResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: rule status %q", domain.ErrInvalidInput, status)
	}
	rem, err := s.Repo.Remediate(ctx, ruleResultID, status)
	if err != nil {
		return nil, err
	}
	if rem.From != rem.To {
		s.Log.Info().Int64("rule_result_id", ruleResultID).Str("from", string(rem.From)).Str("to", string(rem.To)).Msg("rule result remediated")
	}
	return s.rescored(ctx, rem.ComplianceResultID, rem.Aggregate)
}

func (s *Service) rescored(ctx context.Context, id domain.ResultID, agg domain.Aggregate) (*domain.ComplianceResult, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Int64("compliance_id", int64(id)).Float64("score", agg.Score).Msg("compliance rescored")
	s.notify(domain.Event{Type: domain.EventRescored, Recipient: c.RequestedBy, Data: c})
	return c, nil
}

// Cancel marks one pending or running result cancelled. An in-flight remote
// command is not interrupted; its response is discarded on arrival.
func (s *Service) Cancel(ctx context.Context, id domain.ResultID) error {
	return s.Repo.Cancel(ctx, id)
}

// CancelRun cancels every open result of a run; the coordinator stops
// issuing batches for it.
func (s *Service) CancelRun(ctx context.Context, scanRequestID string) (int, error) {
	if scanRequestID == "" {
		return 0, fmt.Errorf("%w: scan_request_id is required", domain.ErrInvalidInput)
	}
	n, err := s.Repo.CancelRun(ctx, scanRequestID)
	if err != nil {
		return 0, err
	}
	s.Log.Info().Str("scan_request_id", scanRequestID).Int("cancelled", n).Msg("run cancelled")
	return n, nil
}

// Detail result with its host and rule results
func (s *Service) Detail(ctx context.Context, id domain.ResultID) (*domain.ComplianceDetail, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rules, err := s.Repo.RuleResults(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []*domain.RuleResult{}
	}
	d := &domain.ComplianceDetail{ComplianceResult: *c, RuleResults: rules}
	if s.Inventory != nil {
		host, err := s.Inventory.GetHost(ctx, c.HostID)
		switch {
		case err == nil:
			d.Host = host
		case errors.Is(err, domain.ErrNotFound):
			// host removed from inventory since the scan
		default:
			return nil, err
		}
	}
	return d, nil
}

func (s *Service) RuleResults(ctx context.Context, id domain.ResultID, status domain.RuleStatus) ([]*domain.RuleResult, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: rule status %q", domain.ErrInvalidInput, status)
	}
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Repo.RuleResults(ctx, id, status)
}

func (s *Service) List(ctx context.Context, f domain.ListFilter, page, pageSize int) (domain.PaginatedResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return domain.PaginatedResult{}, fmt.Errorf("%w: status %q", domain.ErrInvalidInput, f.Status)
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.Repo.Paginate(ctx, f, page, pageSize)
}

// History latest results of one host
func (s *Service) History(ctx context.Context, hostID int64, limit int) ([]*domain.ComplianceResult, error) {
	return s.Repo.LatestByHost(ctx, hostID, limit)
}

func (s *Service) Statistics(ctx context.Context) (domain.Statistics, error) {
	return s.Repo.Statistics(ctx)
}

// HostErrors recent host-level failures (dispatch, session, listener)
func (s *Service) HostErrors(ctx context.Context, hostID int64, limit int) ([]*scanerrors.ScanError, error) {
	if s.Errors == nil {
		return nil, nil
	}
	return s.Errors.ListByHost(ctx, hostID, limit)
}

func (s *Service) notify(ev domain.Event) {
	if s.Notifier != nil {
		s.Notifier.Notify(ev)
	}
}
