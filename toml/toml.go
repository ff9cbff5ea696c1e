// Package toml adds configuration types that decode from human-friendly text.
package toml

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration is a time.Duration written as "250ms" or "1h30m" in TOML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a Go duration string. Empty text leaves d unchanged.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText writes the duration in the form UnmarshalText reads.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Size is a byte count. A bare number is bytes and a single k, m or g suffix
// (either case) is a power of 1024. Longer units such as "64MiB" or "1GB" are
// parsed with their usual meaning.
type Size uint64

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	str := string(text)
	if str == "" {
		return fmt.Errorf("size was empty")
	}

	if v, err := strconv.ParseUint(str, 10, 64); err == nil {
		*s = Size(v)
		return nil
	}

	var shift uint
	switch str[len(str)-1] {
	case 'k', 'K':
		shift = 10
	case 'm', 'M':
		shift = 20
	case 'g', 'G':
		shift = 30
	}
	if shift > 0 {
		v, err := strconv.ParseUint(str[:len(str)-1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size: %s", str)
		}
		if v > (^uint64(0))>>shift {
			return fmt.Errorf("size overflows uint64: %s", str)
		}
		*s = Size(v << shift)
		return nil
	}

	v, err := humanize.ParseBytes(str)
	if err != nil {
		return fmt.Errorf("invalid size: %s", str)
	}
	*s = Size(v)
	return nil
}

// MarshalText writes the size as a plain byte count.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}

// String returns the size in IEC units, e.g. "64 MiB".
func (s Size) String() string { return humanize.IBytes(uint64(s)) }
