// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatPrice renders a price with two decimal places and thousands separators.
func FormatPrice(price decimal.Decimal) string {
	negative := price.IsNegative()
	str := price.Abs().StringFixed(2)

	parts := strings.SplitN(str, ".", 2)
	result := groupThousands(parts[0])
	if len(parts) == 2 {
		result += "." + parts[1]
	}
	if negative {
		result = "-" + result
	}
	return result
}

// FormatNullablePrice renders a nullable price, using "n/a" when absent.
func FormatNullablePrice(price decimal.NullDecimal) string {
	if !price.Valid {
		return "n/a"
	}
	return FormatPrice(price.Decimal)
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	lead := n % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatMinutes renders a fractional minute count, e.g. "5.25 min".
func FormatMinutes(minutes float64) string {
	return fmt.Sprintf("%.2f min", minutes)
}

// Truncate shortens s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
