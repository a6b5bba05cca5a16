package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m" or
// "90s". Bare integers are treated as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler
func (d *Duration) UnmarshalYAML(data []byte) error {
	s := string(data)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	// Strip surrounding quotes if present
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}

	if dur, err := time.ParseDuration(s); err == nil {
		*d = Duration(dur)
		return nil
	}

	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration %q", s)
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
