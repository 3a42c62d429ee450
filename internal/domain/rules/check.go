package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind of comparison a Check performs
type Kind string

const (
	KindEquals   Kind = "equals"
	KindContains Kind = "contains"
	KindPattern  Kind = "pattern"
	KindRange    Kind = "range"
)

// Documentation keys carried in rule parameters that are never checks.
var docKeys = map[string]struct{}{
	"docs":        {},
	"note":        {},
	"description": {},
}

// IsDocKey reports whether key is documentation only.
func IsDocKey(key string) bool {
	_, ok := docKeys[strings.ToLower(key)]
	return ok
}

// Check is one expectation on one output key. Exactly the fields of its Kind are set.
type Check struct {
	Key  string
	Kind Kind

	Want    string         // equals, contains
	Pattern *regexp.Regexp // pattern
	Min     *float64       // range
	Max     *float64       // range
}

// Expectation the resolved set of checks for a rule
type Expectation struct {
	Checks []Check
}

// Empty reports whether the rule carries no actionable checks.
func (e Expectation) Empty() bool { return len(e.Checks) == 0 }

// FromParameters resolves a rule's loosely typed parameters into typed
// checks. Scalars become Equals. Objects carrying an "op" select another
// kind, e.g. {"op":"range","min":1,"max":5} or {"op":"pattern","value":"^no$"}.
// Checks are ordered by key so failures are reported deterministically.
func FromParameters(params map[string]any) (Expectation, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if IsDocKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	exp := Expectation{Checks: make([]Check, 0, len(keys))}
	for _, k := range keys {
		c, err := resolve(k, params[k])
		if err != nil {
			return Expectation{}, fmt.Errorf("parameter %q: %w", k, err)
		}
		exp.Checks = append(exp.Checks, c)
	}
	return exp, nil
}

func resolve(key string, v any) (Check, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Check{Key: key, Kind: KindEquals, Want: Stringify(v)}, nil
	}
	op, hasOp := obj["op"].(string)
	if !hasOp {
		// nested literal, compared against the compact JSON rendering
		return Check{Key: key, Kind: KindEquals, Want: Stringify(obj)}, nil
	}

	switch Kind(strings.ToLower(op)) {
	case KindEquals:
		return Check{Key: key, Kind: KindEquals, Want: Stringify(obj["value"])}, nil
	case KindContains:
		want := Stringify(obj["value"])
		if want == "" {
			return Check{}, fmt.Errorf("contains needs a non-empty value")
		}
		return Check{Key: key, Kind: KindContains, Want: want}, nil
	case KindPattern:
		re, err := regexp.Compile(Stringify(obj["value"]))
		if err != nil {
			return Check{}, fmt.Errorf("invalid pattern: %w", err)
		}
		return Check{Key: key, Kind: KindPattern, Pattern: re}, nil
	case KindRange:
		c := Check{Key: key, Kind: KindRange}
		var err error
		if c.Min, err = optionalNumber(obj["min"]); err != nil {
			return Check{}, fmt.Errorf("min: %w", err)
		}
		if c.Max, err = optionalNumber(obj["max"]); err != nil {
			return Check{}, fmt.Errorf("max: %w", err)
		}
		if c.Min == nil && c.Max == nil {
			return Check{}, fmt.Errorf("range needs min or max")
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return Check{}, fmt.Errorf("range min %v greater than max %v", *c.Min, *c.Max)
		}
		return c, nil
	}
	return Check{}, fmt.Errorf("unknown op %q", op)
}

func optionalNumber(v any) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return nil, err
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, err
		}
		f = n
	default:
		return nil, fmt.Errorf("not a number: %v", v)
	}
	return &f, nil
}

// Evaluate tests actual against the check and returns a failure message when it does not hold.
func (c Check) Evaluate(actual string) (bool, string) {
	switch c.Kind {
	case KindEquals:
		if actual == c.Want {
			return true, ""
		}
		return false, fmt.Sprintf("%s: expected %q, got %q", c.Key, c.Want, actual)
	case KindContains:
		if strings.Contains(actual, c.Want) {
			return true, ""
		}
		return false, fmt.Sprintf("%s: expected to contain %q, got %q", c.Key, c.Want, actual)
	case KindPattern:
		if c.Pattern.MatchString(actual) {
			return true, ""
		}
		return false, fmt.Sprintf("%s: expected to match %q, got %q", c.Key, c.Pattern.String(), actual)
	case KindRange:
		n, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Sprintf("%s: expected %s, got non-numeric %q", c.Key, c.describeRange(), actual)
		}
		if (c.Min != nil && n < *c.Min) || (c.Max != nil && n > *c.Max) {
			return false, fmt.Sprintf("%s: expected %s, got %q", c.Key, c.describeRange(), actual)
		}
		return true, ""
	}
	return false, fmt.Sprintf("%s: unsupported check kind %q", c.Key, c.Kind)
}

// Expected human readable expectation, used when the key is missing.
func (c Check) Expected() string {
	switch c.Kind {
	case KindContains:
		return fmt.Sprintf("to contain %q", c.Want)
	case KindPattern:
		return fmt.Sprintf("to match %q", c.Pattern.String())
	case KindRange:
		return c.describeRange()
	}
	return strconv.Quote(c.Want)
}

func (c Check) describeRange() string {
	fmtF := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case c.Min != nil && c.Max != nil:
		return fmt.Sprintf("value in [%s, %s]", fmtF(*c.Min), fmtF(*c.Max))
	case c.Min != nil:
		return fmt.Sprintf("value >= %s", fmtF(*c.Min))
	default:
		return fmt.Sprintf("value <= %s", fmtF(*c.Max))
	}
}
