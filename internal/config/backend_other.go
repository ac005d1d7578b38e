//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "docchat-data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "docchat")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "docchat.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "docchat", "config.json")
}

// jsonFile keeps settings in $XDG_CONFIG_HOME/docchat/config.json. Numbers
// and booleans are stored as JSON values so the file stays hand-editable.
type jsonFile struct {
	path string

	mu     sync.Mutex
	values map[string]any
}

func newPlatformBackend() Backend {
	f := &jsonFile{path: configFilePath(), values: make(map[string]any)}
	f.load()
	return f
}

func (f *jsonFile) load() {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err == nil {
		err = json.Unmarshal(data, &f.values)
	}
	if err != nil {
		slog.Warn("ignoring unreadable config file", "path", f.path, "error", err)
		f.values = make(map[string]any)
	}
}

// saveLocked replaces the file atomically so a crash never leaves half a
// config behind.
func (f *jsonFile) saveLocked() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *jsonFile) get(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *jsonFile) set(key string, val any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = val
	return f.saveLocked()
}

func (f *jsonFile) GetString(key string) (string, bool, error) {
	v, ok := f.get(key)
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (f *jsonFile) GetInt(key string) (int, bool, error) {
	v, ok := f.get(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, &ValueError{Key: key, Value: fmt.Sprint(val), Err: errors.New("not an integer")}
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, &ValueError{Key: key, Value: val, Err: err}
		}
		return i, true, nil
	default:
		return 0, true, &ValueError{Key: key, Value: fmt.Sprint(val), Err: errors.New("not an integer")}
	}
}

func (f *jsonFile) GetBool(key string) (bool, bool, error) {
	v, ok := f.get(key)
	if !ok {
		return false, false, nil
	}
	switch val := v.(type) {
	case bool:
		return val, true, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, true, &ValueError{Key: key, Value: val, Err: err}
		}
		return b, true, nil
	default:
		return false, true, &ValueError{Key: key, Value: fmt.Sprint(val), Err: errors.New("not a boolean")}
	}
}

func (f *jsonFile) GetDuration(key string) (time.Duration, bool, error) {
	s, ok, err := f.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	d, err := durationValue(key, s)
	return d, true, err
}

func (f *jsonFile) SetString(key, val string) error {
	return f.set(key, val)
}

func (f *jsonFile) SetInt(key string, val int) error {
	return f.set(key, val)
}

func (f *jsonFile) SetBool(key string, val bool) error {
	return f.set(key, val)
}

func (f *jsonFile) SetDuration(key string, val time.Duration) error {
	return f.set(key, val.String())
}

func (f *jsonFile) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.saveLocked()
}
