package scans

import "math"

// Aggregate counts derived from a host's rule results
type Aggregate struct {
	Total  int     `json:"total"`
	Passed int     `json:"passed"`
	Failed int     `json:"failed"`
	Score  float64 `json:"score"`
}

// Score is pure: the same rule results always yield the same Aggregate.
// Everything that did not pass (failed, skipped, error) counts as failed.
func Score(statuses []RuleStatus) Aggregate {
	agg := Aggregate{Total: len(statuses)}
	for _, s := range statuses {
		if s == RulePassed {
			agg.Passed++
		}
	}
	agg.Failed = agg.Total - agg.Passed
	agg.Score = Percentage(agg.Passed, agg.Total)
	return agg
}

// ScoreResults helper over persisted rule results
func ScoreResults(results []*RuleResult) Aggregate {
	statuses := make([]RuleStatus, 0, len(results))
	for _, r := range results {
		statuses = append(statuses, r.Status)
	}
	return Score(statuses)
}

// Percentage rounds passed/total*100 to one decimal, 0 when total is 0.
func Percentage(passed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(passed)/float64(total)*1000) / 10
}

// Apply copies the aggregate onto the result row.
func (c *ComplianceResult) Apply(agg Aggregate) {
	c.TotalRules = agg.Total
	c.PassedRules = agg.Passed
	c.FailedRules = agg.Failed
	c.Score = agg.Score
}
