package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path
// (e.g. "transport.requestAddr").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		val, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		current = val
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path and writes the result
// back into cfg. Booleans and numbers are coerced from their string form.
func SetByPath(cfg *Config, path, value string) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return fmt.Errorf("empty path")
	}

	current := m
	for _, key := range parts[:len(parts)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		current = next
	}
	leaf := parts[len(parts)-1]
	if _, ok := current[leaf]; !ok {
		return fmt.Errorf("key not found: %s", path)
	}
	current[leaf] = coerce(value)

	data, err = json.Marshal(m)
	if err != nil {
		return err
	}
	updated := Defaults()
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("value does not fit config schema: %w", err)
	}
	if err := Validate(updated); err != nil {
		return fmt.Errorf("resulting config invalid: %w", err)
	}
	*cfg = *updated
	return nil
}

func coerce(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
