// Package validate decides whether a candidate value satisfies a field's type contract.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/extract"
	"github.com/BTreeMap/DeviceIntake/internal/slots"
)

// Default limits.
const (
	DefaultMaxQuantity   = 200
	DefaultMinRentalDays = 1
	DefaultMaxRentalDays = 120
)

const dateLayout = "2006-01-02"

var (
	emailRe     = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)
	dateRangeRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s*→\s*(\d{4}-\d{2}-\d{2})$`)
)

// Limits holds the numeric bounds used by int and daterange fields.
type Limits struct {
	MaxQuantity   int
	MinRentalDays int
	MaxRentalDays int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxQuantity:   DefaultMaxQuantity,
		MinRentalDays: DefaultMinRentalDays,
		MaxRentalDays: DefaultMaxRentalDays,
	}
}

// Validator checks values against a registry snapshot. It has no state
// beyond its limits and is safe for concurrent use.
type Validator struct {
	limits Limits
}

// New creates a Validator.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Limits returns the configured limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Valid reports whether value satisfies field's contract in reg.
func (v *Validator) Valid(field string, value any, reg *slots.Registry) bool {
	def, _ := reg.Def(field)

	if IsEmpty(value) {
		return !def.Required
	}

	if field == slots.FieldDeviceModel {
		if s, ok := value.(string); ok && strings.EqualFold(strings.TrimSpace(s), extract.EscapeToken) {
			return true
		}
	}

	switch def.Type {
	case slots.FieldTypeEnum:
		s, ok := value.(string)
		return ok && def.Allows(s)

	case slots.FieldTypeMultiEnum:
		items, ok := value.([]string)
		if !ok {
			return false
		}
		for _, item := range items {
			if !def.Allows(item) {
				return false
			}
		}
		return true

	case slots.FieldTypeInt:
		q, ok := AsInt(value)
		return ok && q >= 1 && q <= v.limits.MaxQuantity

	case slots.FieldTypeEmail:
		return emailRe.MatchString(fmt.Sprint(value))

	case slots.FieldTypeDateRange:
		return v.validDateRange(fmt.Sprint(value))

	case slots.FieldTypeYesNo:
		s := strings.ToLower(strings.TrimSpace(fmt.Sprint(value)))
		return s == "yes" || s == "no"
	}

	return true
}

func (v *Validator) validDateRange(s string) bool {
	m := dateRangeRe.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	start, err := time.Parse(dateLayout, m[1])
	if err != nil {
		return false
	}
	end, err := time.Parse(dateLayout, m[2])
	if err != nil {
		return false
	}
	if end.Before(start) {
		return false
	}
	days := int(end.Sub(start).Hours()/24) + 1
	return days >= v.limits.MinRentalDays && days <= v.limits.MaxRentalDays
}

// IsEmpty reports whether value counts as "no value".
func IsEmpty(value any) bool {
	switch x := value.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	}
	return false
}

// AsInt converts the numeric representations a field value may take.
func AsInt(value any) (int, bool) {
	switch x := value.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
