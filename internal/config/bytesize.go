package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseBytes accepts sizes like "512", "64k", "256m", "1.5gb".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, errors.New("empty size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// FormatBytes renders b with the largest unit that keeps it above 1.
func FormatBytes(b uint64) string {
	units := []struct {
		suffix string
		size   uint64
	}{
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
	}
	for _, u := range units {
		if b >= u.size {
			return strings.TrimSuffix(fmt.Sprintf("%.1f", float64(b)/float64(u.size)), ".0") + u.suffix
		}
	}
	return fmt.Sprintf("%db", b)
}
