package convo

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// journal is the durable side of the store: contexts and their turns,
// append-only. A write that returns nil has hit disk inside a
// transaction; only then does the in-memory state move.
type journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	platform    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	user        TEXT NOT NULL,
	persona     TEXT NOT NULL,
	last_active INTEGER NOT NULL,
	PRIMARY KEY (platform, channel, user)
);

CREATE TABLE IF NOT EXISTS turns (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	platform TEXT NOT NULL,
	channel  TEXT NOT NULL,
	user     TEXT NOT NULL,
	role     TEXT NOT NULL,
	content  TEXT NOT NULL,
	at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_key ON turns(platform, channel, user, id);
`

func openJournal(path string) (*journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps sqlite's single-writer rule trivially true;
	// per-key serialization happens a layer up.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &journal{db: db}, nil
}

func (j *journal) close() error {
	return j.db.Close()
}

func (j *journal) insertContext(key Key, persona string, at time.Time) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO contexts (platform, channel, user, persona, last_active)
		 VALUES (?, ?, ?, ?, ?)`,
		key.Platform, key.Channel, key.User, persona, at.UnixNano(),
	)
	return err
}

func (j *journal) appendTurn(key Key, turn Turn) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO turns (platform, channel, user, role, content, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.Platform, key.Channel, key.User, string(turn.Role), turn.Content, turn.At.UnixNano(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE contexts SET last_active = ? WHERE platform = ? AND channel = ? AND user = ?`,
		turn.At.UnixNano(), key.Platform, key.Channel, key.User,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (j *journal) switchPersona(key Key, persona string, marker Turn) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE contexts SET persona = ?, last_active = ? WHERE platform = ? AND channel = ? AND user = ?`,
		persona, marker.At.UnixNano(), key.Platform, key.Channel, key.User,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO turns (platform, channel, user, role, content, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.Platform, key.Channel, key.User, string(marker.Role), marker.Content, marker.At.UnixNano(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

// loadAll restores every context with its trailing window of limit
// turns.
func (j *journal) loadAll(limit int) (map[Key]*entry, error) {
	rows, err := j.db.Query(`SELECT platform, channel, user, persona, last_active FROM contexts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[Key]*entry)
	for rows.Next() {
		var key Key
		var persona string
		var lastActive int64
		if err := rows.Scan(&key.Platform, &key.Channel, &key.User, &persona, &lastActive); err != nil {
			return nil, err
		}
		entries[key] = &entry{
			persona:    persona,
			lastActive: time.Unix(0, lastActive),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for key, e := range entries {
		history, err := j.loadTurns(key, limit)
		if err != nil {
			return nil, err
		}
		e.history = history
	}
	return entries, nil
}

func (j *journal) loadTurns(key Key, limit int) ([]Turn, error) {
	rows, err := j.db.Query(
		`SELECT role, content, at FROM turns
		 WHERE platform = ? AND channel = ? AND user = ?
		 ORDER BY id DESC LIMIT ?`,
		key.Platform, key.Channel, key.User, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reversed []Turn
	for rows.Next() {
		var turn Turn
		var role string
		var at int64
		if err := rows.Scan(&role, &turn.Content, &at); err != nil {
			return nil, err
		}
		turn.Role = Role(role)
		turn.At = time.Unix(0, at)
		reversed = append(reversed, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history := make([]Turn, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		history = append(history, reversed[i])
	}
	return history, nil
}
