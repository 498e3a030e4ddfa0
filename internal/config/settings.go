package config

import (
	"context"
	"fmt"
)

// Setting names.
const (
	SettingInstanceID = "instance_id"
)

// GetSetting returns a stored setting value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	if err := s.get(ctx, s.db, &value, "SELECT value FROM settings WHERE name = ?", name); err != nil {
		return "", fmt.Errorf("get setting %s: %w", name, err)
	}
	return value, nil
}

// SetSetting inserts or replaces a setting value.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	q := "INSERT INTO settings (name, value) VALUES (?, ?) " +
		"ON CONFLICT (name) DO UPDATE SET value = excluded.value"
	if s.driver == DriverMySQL {
		q = "INSERT INTO settings (name, value) VALUES (?, ?) " +
			"ON DUPLICATE KEY UPDATE value = VALUES(value)"
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), name, value); err != nil {
		return fmt.Errorf("set setting %s: %w", name, err)
	}
	return nil
}
