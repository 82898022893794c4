package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

var cuitWeights = []int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

var isrcPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{3}[0-9]{7}$`)

// ValidateCuit checks the 11-digit CUIT format and its mod-11 check digit.
// Separators ("30-12345678-1") are tolerated and stripped.
func ValidateCuit(cuit string) error {
	normalized := NormalizeCuit(cuit)
	if len(normalized) != 11 {
		return errors.New("cuit must have 11 digits")
	}
	sum := 0
	for i, w := range cuitWeights {
		d := normalized[i]
		if d < '0' || d > '9' {
			return errors.New("cuit must be numeric")
		}
		sum += int(d-'0') * w
	}
	check := normalized[10]
	if check < '0' || check > '9' {
		return errors.New("cuit must be numeric")
	}
	aux := 11 - sum%11
	if aux == 11 {
		aux = 0
	}
	if aux == 10 || aux != int(check-'0') {
		return errors.New("invalid cuit check digit")
	}
	return nil
}

func NormalizeCuit(cuit string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(cuit))
}

// ValidateIsrc checks the 12-character ISRC shape (country, registrant,
// year+designation). Hyphens are tolerated and stripped.
func ValidateIsrc(isrc string) error {
	normalized := NormalizeIsrc(isrc)
	if !isrcPattern.MatchString(normalized) {
		return errors.New("invalid isrc format")
	}
	return nil
}

func NormalizeIsrc(isrc string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(isrc), "-", ""))
}

// ValidatePhoneNumber parses with the AR region default; empty is allowed
// (phone is optional contact data).
func ValidatePhoneNumber(phone string) error {
	if strings.TrimSpace(phone) == "" {
		return nil
	}
	parsed, err := libphonenumber.Parse(phone, "AR")
	if err != nil {
		return fmt.Errorf("invalid phone number: %w", err)
	}
	if !libphonenumber.IsValidNumber(parsed) {
		return errors.New("invalid phone number")
	}
	return nil
}

// IsMoneyAmount reports whether d is positive with at most 2 decimal digits.
func IsMoneyAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func DereferencePtr[T any](ptr *T) T {
	var zero T
	if ptr == nil {
		return zero
	}
	return *ptr
}

func MergeIntSlices(a []int, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	merged := make([]int, 0, len(a)+len(b))
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	return merged
}
