package framework

import (
	"fmt"
	"strconv"
	"strings"
)

// NoData is the sentinel output value meaning "no data", distinct from a
// computed zero.
const NoData = ""

// FloatOrInt converts a value string to int64 or float64. Empty strings and
// the "N/A" marker convert to nil.
func FloatOrInt(valueStr string) any {
	valueStr = strings.TrimSpace(valueStr)
	if valueStr == "" || valueStr == "N/A" {
		return nil
	}
	if strings.Contains(valueStr, ".") {
		f, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return nil
		}
		return f
	}
	i, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return nil
	}
	return i
}

// Numeric converts a value to int64 or float64 for accumulation. Values in
// pipe-separated strings are summed; a pipe string with no numeric parts
// yields NoData. Non-string numerics pass through.
func Numeric(value any) any {
	switch v := value.(type) {
	case string:
		total := any(nil)
		for _, part := range strings.Split(v, "|") {
			converted := FloatOrInt(part)
			if converted == nil {
				continue
			}
			total = addNumbers(total, converted)
		}
		if total == nil {
			return NoData
		}
		return total
	case int:
		return int64(v)
	}
	return value
}

// addNumbers adds two int64/float64 values, keeping integer identity when
// both sides are integers. A nil accumulator starts from the new value.
func addNumbers(accumulator, value any) any {
	if accumulator == nil {
		return value
	}
	ai, aok := accumulator.(int64)
	vi, vok := value.(int64)
	if aok && vok {
		return ai + vi
	}
	return asFloat(accumulator) + asFloat(value)
}

func asFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return 0
}

// FormatNumber renders a numeric value without trailing zeros, leaving
// strings and integers as they are.
func FormatNumber(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	}
	return fmt.Sprintf("%v", value)
}

func toString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return FormatNumber(value)
}

// isEmptyValue reports whether an accumulated value counts as missing.
func isEmptyValue(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && s == ""
}

// inIgnoreList reports whether the value matches one of the configured
// sentinel "non-values".
func inIgnoreList(value any, ignoreVals []string) bool {
	if len(ignoreVals) == 0 {
		return false
	}
	text := toString(value)
	for _, ignore := range ignoreVals {
		if text == ignore {
			return true
		}
	}
	return false
}
