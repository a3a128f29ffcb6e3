package framework

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloatOrInt(t *testing.T) {
	assert.Equal(t, int64(42), FloatOrInt("42"))
	assert.Equal(t, 4.2, FloatOrInt("4.2"))
	assert.Nil(t, FloatOrInt(""))
	assert.Nil(t, FloatOrInt("N/A"))
	assert.Nil(t, FloatOrInt("abc"))
	assert.Equal(t, int64(7), FloatOrInt(" 7 "))
}

func TestNumeric(t *testing.T) {
	assert.Equal(t, int64(42), Numeric("42"))
	assert.Equal(t, int64(3), Numeric("1|2"))
	assert.Equal(t, 3.5, Numeric("1.5|2"))
	assert.Equal(t, NoData, Numeric("a|b"))
	assert.Equal(t, int64(5), Numeric(5))
	assert.Equal(t, 2.5, Numeric(2.5))
}

func TestAddNumbersKeepsIntegerIdentity(t *testing.T) {
	assert.Equal(t, int64(3), addNumbers(int64(1), int64(2)))
	assert.Equal(t, 3.5, addNumbers(int64(1), 2.5))
	assert.Equal(t, int64(7), addNumbers(nil, int64(7)))
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "1.5", FormatNumber(1.5))
	assert.Equal(t, "2", FormatNumber(2.0))
	assert.Equal(t, "42", FormatNumber(int64(42)))
	assert.Equal(t, "keep", FormatNumber("keep"))
}

func TestMatchTemplate(t *testing.T) {
	template, inner := MatchTemplate("Cases {{1}}")
	assert.Equal(t, "{{1}}", template)
	assert.Equal(t, "1", inner)

	template, inner = MatchTemplate("no placeholder")
	assert.Equal(t, "", template)
	assert.Equal(t, "", inner)
}

func TestRowValue(t *testing.T) {
	row := map[string]any{"Province": "Kabul", "Code": "AF01", "Cases": " 5 "}
	assert.Equal(t, "5", RowValue(row, "Cases"))
	assert.Equal(t, "AF01-Kabul", RowValue(row, "{{Code}}-{{Province}}"))
	assert.Nil(t, RowValue(row, "Missing"))
}
