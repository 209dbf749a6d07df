// Package api holds the admin HTTP API payloads and a client for them.
package api

import "time"

// User is one registered account as reported by GET /admin/users.
type User struct {
	Username     string    `json:"username"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Banned       bool      `json:"banned"`
	Online       bool      `json:"online"`
}

// Online is the body of GET /admin/online.
type Online struct {
	Users []string `json:"users"`
}

// Credentials is the body of POST /admin/users.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Announcement is the body of POST /admin/announce.
type Announcement struct {
	Text string `json:"text"`
}

// AnnounceResult is the reply to POST /admin/announce.
type AnnounceResult struct {
	ID        string `json:"id"`
	Delivered int    `json:"delivered"`
}

// Message is one history entry as reported by GET /admin/history.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Read      bool      `json:"read"`
	Deleted   bool      `json:"deleted"`
}

// Error is the body of every non-2xx reply.
type Error struct {
	Error string `json:"error"`
}
