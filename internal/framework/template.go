// Package framework contains the row-parsing, subset-processing and
// cross-level aggregation engine together with the Runner that sequences
// scrapers, resolves dependencies between them and merges their outputs.
package framework

import (
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`{{.*?}}`)

// MatchTemplate finds the first {{...}} placeholder in the input. It returns
// the placeholder with braces and its inner text, or two empty strings.
func MatchTemplate(input string) (string, string) {
	match := templatePattern.FindString(input)
	if match == "" {
		return "", ""
	}
	return match, match[2 : len(match)-2]
}

// RowValue reads the value of a column from a row. A column containing
// {{...}} placeholders has each placeholder replaced by the referenced
// column's value; plain string results are whitespace-trimmed.
func RowValue(row map[string]any, column string) any {
	if strings.Contains(column, "{{") {
		result := column
		for _, match := range templatePattern.FindAllString(column, -1) {
			name := match[2 : len(match)-2]
			result = strings.Replace(result, match, toString(row[name]), 1)
		}
		return result
	}
	value := row[column]
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}
