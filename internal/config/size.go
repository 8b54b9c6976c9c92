package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxSingleUploadSize is the largest file b2_upload_file accepts (5 GB).
const MaxSingleUploadSize int64 = 5_000_000_000

var errNegativeSize = errors.New("must be non-negative")

// sizeUnits is ordered so longer suffixes match first ("MIB" before "B").
var sizeUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TIB", 1 << 40},
	{"GIB", 1 << 30},
	{"MIB", 1 << 20},
	{"KIB", 1 << 10},
	{"TB", 1_000_000_000_000},
	{"GB", 1_000_000_000},
	{"MB", 1_000_000},
	{"KB", 1_000},
	{"B", 1},
}

// ParseSize converts "10MB", "1.5GiB" or a bare byte count to bytes.
// SI and IEC suffixes are case-insensitive. Empty and "0" mean 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	for _, u := range sizeUnits {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}

		n, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-len(u.suffix)]), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}

		return scaleSize(s, n, u.multiplier)
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: %w", s, errNegativeSize)
	}

	return n, nil
}

func scaleSize(original string, n float64, multiplier int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: %w", original, errNegativeSize)
	}

	bytes := n * float64(multiplier)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", original)
	}

	return int64(bytes), nil
}

// ParseUploadSize parses a per-file upload limit. Zero means the B2 limit
// itself; anything above it cannot be sent in one b2_upload_file call.
func ParseUploadSize(s string) (int64, error) {
	n, err := ParseSize(s)
	if err != nil {
		return 0, err
	}

	if n == 0 {
		return MaxSingleUploadSize, nil
	}

	if n > MaxSingleUploadSize {
		return 0, fmt.Errorf("%s exceeds the 5GB limit of a single B2 upload", s)
	}

	return n, nil
}
