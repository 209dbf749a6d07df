package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/notepid/twilight_chat/internal/apperror"
)

// History errors.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotSender       = errors.New("not the sender")
	ErrAlreadyRead     = errors.New("message already read")
	ErrWindowClosed    = errors.New("window closed")
	ErrNotRecipient    = errors.New("not a recipient")
)

// History is the in-memory message log, keyed by sender.
type History struct {
	mu       sync.RWMutex
	order    []*Message
	byID     map[string]*Message
	bySender map[string][]*Message

	now func() time.Time
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{
		byID:     make(map[string]*Message),
		bySender: make(map[string][]*Message),
		now:      time.Now,
	}
}

// Append records m under its sender.
func (h *History) Append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(&m)
}

func (h *History) appendLocked(m *Message) {
	h.order = append(h.order, m)
	h.byID[m.ID] = m
	h.bySender[m.Sender] = append(h.bySender[m.Sender], m)
}

// Len returns the number of recorded messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// All returns every message in insertion order.
func (h *History) All() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyMessages(h.order)
}

// ByUser returns the messages sent by username.
func (h *History) ByUser(username string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyMessages(h.bySender[username])
}

// Conversation returns the messages visible to username: those it sent,
// those addressed to it, and broadcasts.
func (h *History) Conversation(username string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Message
	for _, m := range h.order {
		if m.Sender == username || m.Recipient == username || m.Recipient == Everyone {
			out = append(out, *m)
		}
	}
	return out
}

// Get returns the message with the given ID.
func (h *History) Get(id string) (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Edit replaces the content of an unread message sent by sender no more
// than window ago.
func (h *History) Edit(id, sender, content string, window time.Duration) (Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mutableLocked(id, sender, window, "edit")
	if err != nil {
		return Message{}, err
	}
	m.Content = content
	m.EditedAt = h.now().UTC()
	return *m, nil
}

// Delete clears an unread message sent by sender no more than window ago.
// The entry stays in the log, marked deleted and read.
func (h *History) Delete(id, sender string, window time.Duration) (Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mutableLocked(id, sender, window, "delete")
	if err != nil {
		return Message{}, err
	}
	m.Content = ""
	m.Deleted = true
	m.Read = true
	return *m, nil
}

func (h *History) mutableLocked(id, sender string, window time.Duration, op string) (*Message, error) {
	m, ok := h.byID[id]
	if !ok || m.Deleted {
		return nil, apperror.Route(ErrMessageNotFound, "no such message")
	}
	if m.Sender != sender {
		return nil, apperror.Route(ErrNotSender, "only the sender can "+op+" a message")
	}
	if m.Read {
		return nil, apperror.Route(ErrAlreadyRead, "message already read")
	}
	if h.now().Sub(m.Timestamp) > window {
		return nil, apperror.Route(ErrWindowClosed, op+" window has closed")
	}
	return m, nil
}

// MarkRead marks a message read on behalf of reader. Only a recipient may
// mark a message read; for broadcasts that is anyone but the sender.
func (h *History) MarkRead(id, reader string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.byID[id]
	if !ok {
		return apperror.Route(ErrMessageNotFound, "no such message")
	}
	if m.Sender == reader || (m.Recipient != Everyone && m.Recipient != reader) {
		return apperror.Route(ErrNotRecipient, "not a recipient of this message")
	}
	m.Read = true
	return nil
}

// Clear drops every message.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = nil
	h.byID = make(map[string]*Message)
	h.bySender = make(map[string][]*Message)
}

// Save writes the history to path, one "sender -> recipient: content"
// line per message, replacing the file.
func (h *History) Save(path string) error {
	h.mu.RLock()
	lines := make([]string, 0, len(h.order))
	for _, m := range h.order {
		lines = append(lines, FormatLine(*m))
	}
	h.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperror.Persistence(fmt.Errorf("create %s: %w", dir, err), "save history")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return apperror.Persistence(fmt.Errorf("create temp file: %w", err), "save history")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return apperror.Persistence(fmt.Errorf("write %s: %w", tmp.Name(), err), "save history")
	}
	if err := tmp.Close(); err != nil {
		return apperror.Persistence(fmt.Errorf("close %s: %w", tmp.Name(), err), "save history")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperror.Persistence(fmt.Errorf("replace %s: %w", path, err), "save history")
	}
	return nil
}

// Load replaces the in-memory history with the contents of path. Loaded
// messages get fresh IDs, the load time as timestamp, and are marked read
// so they cannot be edited. Malformed lines are skipped and counted. A
// missing file loads nothing.
func (h *History) Load(path string) (loaded, skipped int, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, apperror.Persistence(fmt.Errorf("open %s: %w", path, err), "load history")
	}
	defer f.Close()

	now := h.now().UTC()
	var msgs []*Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, perr := ParseLine(line)
		if perr != nil {
			skipped++
			continue
		}
		m.ID = xid.New().String()
		m.Timestamp = now
		m.Read = true
		msgs = append(msgs, &m)
	}
	if err := scanner.Err(); err != nil {
		return 0, skipped, apperror.Persistence(fmt.Errorf("read %s: %w", path, err), "load history")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = nil
	h.byID = make(map[string]*Message, len(msgs))
	h.bySender = make(map[string][]*Message)
	for _, m := range msgs {
		h.appendLocked(m)
	}
	return len(msgs), skipped, nil
}

// FormatLine renders m in the history file format.
func FormatLine(m Message) string {
	return m.Sender + " -> " + m.Recipient + ": " + m.Content
}

// ParseLine parses a history file line. An empty content marks a deleted
// message.
func ParseLine(line string) (Message, error) {
	sender, rest, ok := strings.Cut(line, " -> ")
	if !ok || sender == "" || strings.ContainsAny(sender, " :") {
		return Message{}, fmt.Errorf("missing sender prefix: %q", line)
	}
	recipient, content, ok := strings.Cut(rest, ":")
	if !ok || recipient == "" || strings.Contains(recipient, " ") {
		return Message{}, fmt.Errorf("missing recipient: %q", line)
	}
	content = strings.TrimPrefix(content, " ")

	m := Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Type:      TypeFor(sender, recipient),
	}
	if content == "" {
		m.Deleted = true
	}
	return m, nil
}

func copyMessages(src []*Message) []Message {
	out := make([]Message, len(src))
	for i, m := range src {
		out[i] = *m
	}
	return out
}
