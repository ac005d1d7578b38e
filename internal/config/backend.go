package config

import (
	"fmt"
	"time"
)

// Backend is the platform store behind `docchat config set`. Values are
// typed so each platform can keep them in its native form: the JSON file
// keeps numbers and booleans as JSON values, macOS defaults keeps -int and
// -bool entries.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	GetDuration(key string) (val time.Duration, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	SetDuration(key string, val time.Duration) error
	Delete(key string) error
}

// durationValue parses a stored duration. Durations are kept as Go duration
// strings on every platform.
func durationValue(key, raw string) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, &ValueError{Key: key, Value: raw, Err: err}
	}
	return d, nil
}

// ValueError reports a stored value that cannot be read as its key's type.
type ValueError struct {
	Key   string
	Value string
	Err   error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("config key %s has invalid value %q: %v", e.Key, e.Value, e.Err)
}

func (e *ValueError) Unwrap() error { return e.Err }
