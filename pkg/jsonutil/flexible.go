// Package jsonutil decodes loosely typed values sent by mobile clients,
// which serialize numbers as strings (and vice versa) depending on platform.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexibleStringValue converts a json.RawMessage to a string, accepting numbers and
// booleans in place of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&num); err == nil {
		return num.String()
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal)
	}

	return string(raw)
}

// FlexibleInt64 extracts an integer from a JSON number or numeric string.
// Fractional values are truncated. ok is false for null, empty, non-numeric
// or out-of-range input.
func FlexibleInt64(raw json.RawMessage) (value int64, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(s)
	}
	if text == "" {
		return 0, false
	}

	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, true
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
