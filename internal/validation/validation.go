package validation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

// Basic validators
func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v[field] = "required"
	}
}

func RangeInt(field string, val, minVal, maxVal int, v Violations) {
	if val < minVal || val > maxVal {
		v[field] = "out_of_range"
	}
}

func PositiveDecimal(field string, val decimal.Decimal, v Violations) {
	if !val.IsPositive() {
		v[field] = "must_be_positive"
	}
}

func NonZeroDecimal(field string, val decimal.Decimal, v Violations) {
	if val.IsZero() {
		v[field] = "must_not_be_zero"
	}
}

func RequiredUint(field string, val uint, v Violations) {
	if val == 0 {
		v[field] = "required"
	}
}

// Period validates a 1-12 month and a plausible year.
func Period(month, year int, v Violations) {
	RangeInt("month", month, 1, 12, v)
	RangeInt("year", year, 2000, 2100, v)
}

// OneOf checks that value is one of the allowed strings.
func OneOf(field, value string, allowed []string, v Violations) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v[field] = "invalid_value"
}

// Date parses an optional YYYY-MM-DD (or RFC3339) value; empty returns nil.
func Date(field, value string, v Violations) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	v[field] = "invalid_date"
	return nil
}
