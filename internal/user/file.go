package user

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileBackend stores users in a line-oriented text file:
//
//	username:salt:hash[:registered_unix:last_active_unix:banned]
//
// Lines with only the first three fields are accepted on load.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend for the file at path. The file is
// created on the first save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file path.
func (b *FileBackend) Path() string { return b.path }

// Load reads every record. A missing file yields an empty store.
func (b *FileBackend) Load() ([]User, error) {
	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.path, err)
	}
	defer f.Close()

	var users []User
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", b.path, lineNo, err)
		}
		if _, dup := seen[u.Username]; dup {
			return nil, fmt.Errorf("%s:%d: duplicate user %q", b.path, lineNo, u.Username)
		}
		seen[u.Username] = struct{}{}
		users = append(users, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	return users, nil
}

// Save replaces the file with the given records.
func (b *FileBackend) Save(users []User) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, u := range users {
		if _, err := w.WriteString(formatRecord(u) + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s: %w", tmp.Name(), err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replace %s: %w", b.path, err)
	}
	return nil
}

func formatRecord(u User) string {
	banned := "0"
	if u.Banned {
		banned = "1"
	}
	return strings.Join([]string{
		u.Username,
		u.Salt,
		u.Hash,
		strconv.FormatInt(unixOrZero(u.RegisteredAt), 10),
		strconv.FormatInt(unixOrZero(u.LastActiveAt), 10),
		banned,
	}, ":")
}

func parseRecord(line string) (User, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 3 && len(fields) != 6 {
		return User{}, fmt.Errorf("expected 3 or 6 fields, got %d", len(fields))
	}
	u := User{Username: fields[0], Salt: fields[1], Hash: fields[2]}
	if u.Username == "" || u.Salt == "" || u.Hash == "" {
		return User{}, errors.New("empty field")
	}
	if len(fields) == 3 {
		return u, nil
	}

	reg, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return User{}, fmt.Errorf("registered time: %w", err)
	}
	last, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return User{}, fmt.Errorf("last active time: %w", err)
	}
	u.RegisteredAt = timeOrZero(reg)
	u.LastActiveAt = timeOrZero(last)
	u.Banned = fields[5] == "1"
	return u, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
