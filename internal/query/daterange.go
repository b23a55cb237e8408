package query

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeDateRange validates a StudyDate matching value: an exact
// YYYYMMDD, a closed YYYYMMDD-YYYYMMDD range, or an open range with one
// side missing. A blank value is returned unchanged so the caller omits
// the key entirely.
func NormalizeDateRange(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}

	if !strings.Contains(v, "-") {
		if err := validateDate(v); err != nil {
			return "", err
		}
		return v, nil
	}

	parts := strings.SplitN(v, "-", 2)
	from, to := parts[0], parts[1]
	if from == "" && to == "" {
		return "", fmt.Errorf("date range %q has neither bound", v)
	}
	if from != "" {
		if err := validateDate(from); err != nil {
			return "", err
		}
	}
	if to != "" {
		if err := validateDate(to); err != nil {
			return "", err
		}
	}
	if from != "" && to != "" && from > to {
		return "", fmt.Errorf("date range %q is inverted", v)
	}
	return v, nil
}

func validateDate(s string) error {
	if _, err := time.Parse("20060102", s); err != nil {
		return fmt.Errorf("invalid DICOM date %q: want YYYYMMDD", s)
	}
	return nil
}
