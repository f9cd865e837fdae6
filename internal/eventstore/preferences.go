package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const (
	prefVoice = "voice"
	prefSpeed = "speed"
)

// Preferences are the listener's saved voice settings.
type Preferences struct {
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// Preference returns a stored value. Ephemeral stores keep values in memory.
func (s *Store) Preference(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		v, ok := s.prefs[key]
		return v, ok, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.prefs[key] = value
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC())
	return err
}

// LoadPreferences fills unset fields from defaults.
func (s *Store) LoadPreferences(ctx context.Context, defaults Preferences) (Preferences, error) {
	prefs := defaults
	if v, ok, err := s.Preference(ctx, prefVoice); err != nil {
		return defaults, err
	} else if ok && v != "" {
		prefs.Voice = v
	}
	if v, ok, err := s.Preference(ctx, prefSpeed); err != nil {
		return defaults, err
	} else if ok {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaults, fmt.Errorf("stored speed %q: %w", v, err)
		}
		prefs.Speed = speed
	}
	return prefs, nil
}

func (s *Store) SavePreferences(ctx context.Context, prefs Preferences) error {
	if prefs.Voice != "" {
		if err := s.SetPreference(ctx, prefVoice, prefs.Voice); err != nil {
			return err
		}
	}
	if prefs.Speed > 0 {
		if err := s.SetPreference(ctx, prefSpeed, strconv.FormatFloat(prefs.Speed, 'f', -1, 64)); err != nil {
			return err
		}
	}
	return nil
}
