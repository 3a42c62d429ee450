package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
)

// Parsed key/value view of a command's stdout
type Parsed map[string]string

const SingleValueKey = "single_value"

// Parse turns raw command output into a flat map. Strategies are tried in
// order: JSON object, key=value lines, key: value lines, whitespace tokens,
// single value. Empty output yields an empty map.
func Parse(raw string) (Parsed, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Parsed{}, nil
	}

	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		return parseJSON(text)
	}

	lines := nonEmptyLines(text)
	for _, delim := range []string{"=", ":"} {
		if out, ok := splitLines(lines, delim); ok {
			return out, nil
		}
	}

	if fields := strings.Fields(text); len(fields) >= 2 {
		out := make(Parsed, len(fields))
		for i, f := range fields {
			out["value_"+strconv.Itoa(i)] = f
		}
		return out, nil
	}

	return Parsed{SingleValueKey: text}, nil
}

func parseJSON(text string) (Parsed, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &scanerrors.ParseError{Err: err}
	}
	if dec.More() {
		return nil, &scanerrors.ParseError{Err: fmt.Errorf("trailing data after JSON object")}
	}
	out := make(Parsed, len(obj))
	for k, v := range obj {
		out[k] = Stringify(v)
	}
	return out, nil
}

// splitLines applies delim to every line or to none of them.
func splitLines(lines []string, delim string) (Parsed, bool) {
	out := make(Parsed, len(lines))
	for _, line := range lines {
		k, v, found := strings.Cut(line, delim)
		if !found {
			return nil, false
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, true
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Stringify renders a decoded JSON value the way it is compared: strings
// verbatim, numbers in literal form, everything else as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(buf.String())
	}
}
