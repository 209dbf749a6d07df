package user

import (
	"database/sql"
	"fmt"
)

// SQLBackend persists users in the SQLite users table.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend creates a backend over an open database. The schema is
// created by db.Open.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Load returns every stored user, ordered by username.
func (b *SQLBackend) Load() ([]User, error) {
	rows, err := b.db.Query(`
		SELECT username, salt, hash, registered_at, last_active_at, banned
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var registered, lastActive int64
		if err := rows.Scan(&u.Username, &u.Salt, &u.Hash,
			&registered, &lastActive, &u.Banned); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.RegisteredAt = timeOrZero(registered)
		u.LastActiveAt = timeOrZero(lastActive)
		users = append(users, u)
	}
	return users, rows.Err()
}

// Save upserts every record in one transaction and deletes rows for
// users that are no longer present.
func (b *SQLBackend) Save(users []User) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO users (username, salt, hash, registered_at, last_active_at, banned)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			salt = excluded.salt,
			hash = excluded.hash,
			registered_at = excluded.registered_at,
			last_active_at = excluded.last_active_at,
			banned = excluded.banned
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	keep := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, err := stmt.Exec(u.Username, u.Salt, u.Hash,
			unixOrZero(u.RegisteredAt), unixOrZero(u.LastActiveAt), u.Banned); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.Username, err)
		}
		keep[u.Username] = struct{}{}
	}

	existing, err := tx.Query("SELECT username FROM users")
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	var stale []string
	for existing.Next() {
		var name string
		if err := existing.Scan(&name); err != nil {
			existing.Close()
			return fmt.Errorf("scan username: %w", err)
		}
		if _, ok := keep[name]; !ok {
			stale = append(stale, name)
		}
	}
	existing.Close()
	if err := existing.Err(); err != nil {
		return err
	}

	for _, name := range stale {
		if _, err := tx.Exec("DELETE FROM users WHERE username = ?", name); err != nil {
			return fmt.Errorf("delete user %s: %w", name, err)
		}
	}

	return tx.Commit()
}
