package db

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create users table",
		sql: `
			CREATE TABLE IF NOT EXISTS users (
				username TEXT PRIMARY KEY NOT NULL,
				salt TEXT NOT NULL,
				hash TEXT NOT NULL,
				registered_at INTEGER NOT NULL DEFAULT 0,
				last_active_at INTEGER NOT NULL DEFAULT 0,
				banned BOOLEAN NOT NULL DEFAULT 0
			)
		`,
	},
	{
		name: "index banned users",
		sql:  `CREATE INDEX IF NOT EXISTS idx_users_banned ON users(banned) WHERE banned = 1`,
	},
}
