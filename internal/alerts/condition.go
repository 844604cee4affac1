// Package alerts implements alert evaluation: condition checks, the per-alert
// state machine, and the coordinator that runs one evaluation pass per instrument.
package alerts

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/models"
)

// Holds reports whether price satisfies comparator against threshold.
// Equality is exact decimal equality.
func Holds(price decimal.Decimal, comparator models.Comparator, threshold decimal.Decimal) (bool, error) {
	switch comparator {
	case models.ComparatorGreaterThan:
		return price.GreaterThan(threshold), nil
	case models.ComparatorLessThan:
		return price.LessThan(threshold), nil
	case models.ComparatorEqual:
		return price.Equal(threshold), nil
	default:
		return false, fmt.Errorf("%w: %q", apperrors.ErrInvalidComparator, string(comparator))
	}
}
