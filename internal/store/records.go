package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func nowUnix() int64 { return time.Now().Unix() }

// ErrNotFound is returned when a registered record doesn't exist.
var ErrNotFound = errors.New("store: record not found")

// RegisteredNick is a persisted registered-nickname record.
type RegisteredNick struct {
	Nick      string
	Password  string // Argon2-encoded
	Mask      string
	CreatedAt time.Time
}

// RegisteredChannel is a persisted registered-channel record. Modes is kept
// as an opaque JSON blob (the channel mode snapshot), decoded by callers
// that need structured access.
type RegisteredChannel struct {
	Name      string
	Topic     string
	ModesJSON string
	CreatedAt time.Time
}

// Operator is a persisted operator login record.
type Operator struct {
	Name     string
	Password string
	Mask     string
}

// LoadNick fetches a registered nick record by (case-sensitive) key.
func (s *Store) LoadNick(nick string) (*RegisteredNick, error) {
	var r RegisteredNick
	var created int64
	err := s.db.QueryRow(
		`SELECT nick, password, mask, created_at FROM registered_nicks WHERE nick = ?`, nick,
	).Scan(&r.Nick, &r.Password, &r.Mask, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load nick %s: %w", nick, err)
	}
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// StoreNick upserts a registered nick record.
func (s *Store) StoreNick(r RegisteredNick) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO registered_nicks(nick, password, mask, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(nick) DO UPDATE SET password = excluded.password, mask = excluded.mask
	`, r.Nick, r.Password, r.Mask, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: store nick %s: %w", r.Nick, err)
	}
	return nil
}

// LoadChannel fetches a registered channel record by name.
func (s *Store) LoadChannel(name string) (*RegisteredChannel, error) {
	var r RegisteredChannel
	var created int64
	err := s.db.QueryRow(
		`SELECT name, topic, modes_json, created_at FROM registered_channels WHERE name = ?`, name,
	).Scan(&r.Name, &r.Topic, &r.ModesJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load channel %s: %w", name, err)
	}
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// StoreChannel upserts a registered channel record.
func (s *Store) StoreChannel(r RegisteredChannel) error {
	if r.ModesJSON == "" {
		r.ModesJSON = "{}"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO registered_channels(name, topic, modes_json, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET topic = excluded.topic, modes_json = excluded.modes_json
	`, r.Name, r.Topic, r.ModesJSON, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: store channel %s: %w", r.Name, err)
	}
	return nil
}

// LoadOperator fetches an operator record by name.
func (s *Store) LoadOperator(name string) (*Operator, error) {
	var o Operator
	err := s.db.QueryRow(
		`SELECT name, password, mask FROM operators WHERE name = ?`, name,
	).Scan(&o.Name, &o.Password, &o.Mask)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load operator %s: %w", name, err)
	}
	return &o, nil
}

// StoreOperator upserts an operator record.
func (s *Store) StoreOperator(o Operator) error {
	_, err := s.db.Exec(`
		INSERT INTO operators(name, password, mask) VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET password = excluded.password, mask = excluded.mask
	`, o.Name, o.Password, o.Mask)
	if err != nil {
		return fmt.Errorf("store: store operator %s: %w", o.Name, err)
	}
	return nil
}

// channelModesJSON marshals an arbitrary mode snapshot to the blob column.
func channelModesJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: marshal channel modes: %w", err)
	}
	return string(b), nil
}
