package rules

import (
	"fmt"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

// Verdict outcome of comparing one rule's output with its expectation
type Verdict struct {
	Status       scans.RuleStatus
	Parsed       Parsed
	Message      string
	DetailsError string
}

// Evaluate parses raw output and runs every check against it. The first
// failing check decides the verdict. A rule without checks passes as long
// as its output could be parsed.
func Evaluate(exp Expectation, raw string) Verdict {
	parsed, err := Parse(raw)
	if err != nil {
		return Verdict{
			Status:       scans.RuleError,
			Message:      "output could not be parsed",
			DetailsError: err.Error(),
		}
	}
	return Compare(exp, parsed)
}

// Compare runs the checks against an already parsed output.
func Compare(exp Expectation, parsed Parsed) Verdict {
	if exp.Empty() {
		return Verdict{Status: scans.RulePassed, Parsed: parsed, Message: "no expectations, command executed"}
	}
	for _, c := range exp.Checks {
		actual, ok := parsed[c.Key]
		if !ok {
			return Verdict{
				Status:  scans.RuleFailed,
				Parsed:  parsed,
				Message: fmt.Sprintf("%s: expected %s, key not found in output", c.Key, c.Expected()),
			}
		}
		if pass, msg := c.Evaluate(actual); !pass {
			return Verdict{Status: scans.RuleFailed, Parsed: parsed, Message: msg}
		}
	}
	return Verdict{
		Status:  scans.RulePassed,
		Parsed:  parsed,
		Message: fmt.Sprintf("%d checks passed", len(exp.Checks)),
	}
}
