//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "com.docchat.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "docchat-data"
	}
	return filepath.Join(home, "Library", "Application Support", "docchat")
}

// userDefaults keeps settings in the app's defaults domain, so they show up
// in `defaults read com.docchat.app`.
type userDefaults struct {
	domain string
}

func newPlatformBackend() Backend {
	return &userDefaults{domain: defaultsDomain}
}

// read returns the raw value printed by `defaults read`. Exit status 1 means
// the key is not set.
func (d *userDefaults) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", d.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, s)
	}
	return s, true, nil
}

func (d *userDefaults) write(key, typ, val string) error {
	out, err := exec.Command("defaults", "write", d.domain, key, typ, val).CombinedOutput()
	if err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *userDefaults) GetString(key string) (string, bool, error) {
	return d.read(key)
}

func (d *userDefaults) GetInt(key string) (int, bool, error) {
	s, ok, err := d.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, &ValueError{Key: key, Value: s, Err: err}
	}
	return i, true, nil
}

// GetBool accepts both -bool entries, which defaults prints as 1 or 0, and
// strings written by hand.
func (d *userDefaults) GetBool(key string) (bool, bool, error) {
	s, ok, err := d.read(key)
	if !ok || err != nil {
		return false, ok, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, true, &ValueError{Key: key, Value: s, Err: err}
	}
	return b, true, nil
}

func (d *userDefaults) GetDuration(key string) (time.Duration, bool, error) {
	s, ok, err := d.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	v, err := durationValue(key, s)
	return v, true, err
}

func (d *userDefaults) SetString(key, val string) error {
	return d.write(key, "-string", val)
}

func (d *userDefaults) SetInt(key string, val int) error {
	return d.write(key, "-int", strconv.Itoa(val))
}

func (d *userDefaults) SetBool(key string, val bool) error {
	return d.write(key, "-bool", strconv.FormatBool(val))
}

func (d *userDefaults) SetDuration(key string, val time.Duration) error {
	return d.write(key, "-string", val.String())
}

func (d *userDefaults) Delete(key string) error {
	if _, ok, err := d.read(key); err != nil || !ok {
		return err
	}
	out, err := exec.Command("defaults", "delete", d.domain, key).CombinedOutput()
	if err != nil {
		return fmt.Errorf("defaults delete %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}
