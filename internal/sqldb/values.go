package sqldb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Drivers disagree on how they hand back scalar values: pgx returns native
// Go types, go-sqlite3 returns int64 for booleans declared without the
// BOOLEAN affinity, and MySQL's text protocol returns everything as bytes.
// The helpers below normalize those shapes.

// AsString returns v as a string; nil becomes "".
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

// AsBool converts booleans, integers and their textual forms.
func AsBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string, []byte:
		return strconv.ParseBool(strings.TrimSpace(AsString(t)))
	}
	return false, fmt.Errorf("cannot convert %T to bool", v)
}

// AsFloat64 converts numbers and their textual forms.
func AsFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string, []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(AsString(t)), 64)
		if err != nil {
			return 0, err
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}

// AsInt64 converts numbers and their textual forms, truncating fractions.
func AsInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	}
	f, err := AsFloat64(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("number out of range")
	}
	return int64(f), nil
}
