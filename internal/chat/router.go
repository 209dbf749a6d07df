package chat

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
)

// Routing errors.
var (
	ErrNotAuthenticated = errors.New("sender not authenticated")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Deliverer pushes messages to live sessions.
type Deliverer interface {
	// Broadcast delivers m to every live session except the one owned by
	// except ("" excludes nobody) and returns the number reached.
	Broadcast(except string, m Message) int
	// Unicast delivers m to the session owned by username.
	Unicast(username string, m Message) error
	IsOnline(username string) bool
}

// Filter inspects content before it is routed. It returns the content to
// deliver, or an error to reject it.
type Filter interface {
	Apply(sender, recipient, content string) (string, error)
}

// Options holds routing policy.
type Options struct {
	MaxMessageLength int
	EchoBroadcast    bool
	EditWindow       time.Duration
	DeleteWindow     time.Duration

	// ValidName, when set, must accept a private recipient's name.
	ValidName func(name string) error
}

// Receipt describes the outcome of a routed message.
type Receipt struct {
	ID        string
	Delivered int
	Offline   bool // private recipient had no live session
}

// Router validates, delivers and records chat messages.
type Router struct {
	deliver Deliverer
	history *History
	filter  Filter
	opts    Options
	logger  *zap.SugaredLogger
}

// NewRouter creates a router delivering through d and recording into h.
func NewRouter(d Deliverer, h *History, opts Options, logger *zap.SugaredLogger) *Router {
	return &Router{
		deliver: d,
		history: h,
		opts:    opts,
		logger:  logger,
	}
}

// SetFilter installs a content filter. Pass nil to remove it.
func (r *Router) SetFilter(f Filter) {
	r.filter = f
}

// History returns the router's history store.
func (r *Router) History() *History {
	return r.history
}

// Route sends content from sender to recipient (a username or Everyone).
// A private message to an offline user succeeds with Receipt.Offline set
// and nothing delivered.
func (r *Router) Route(sender, recipient, content string) (Receipt, error) {
	if !r.deliver.IsOnline(sender) {
		return Receipt{}, apperror.Route(ErrNotAuthenticated, "not logged in")
	}
	if err := r.checkRecipient(recipient); err != nil {
		return Receipt{}, err
	}

	content, err := r.check(sender, recipient, content)
	if err != nil {
		return Receipt{}, err
	}

	m := NewMessage(sender, recipient, content)
	r.history.Append(m)

	receipt := Receipt{ID: m.ID}
	if m.IsBroadcast() {
		except := sender
		if r.opts.EchoBroadcast {
			except = ""
		}
		receipt.Delivered = r.deliver.Broadcast(except, m)
		r.logger.Debugf("Broadcast %s from %s reached %d sessions", m.ID, sender, receipt.Delivered)
		return receipt, nil
	}

	if !r.deliver.IsOnline(recipient) {
		receipt.Offline = true
		r.logger.Debugf("Private %s from %s to offline user %s", m.ID, sender, recipient)
		return receipt, nil
	}
	if err := r.deliver.Unicast(recipient, m); err != nil {
		// Recipient left between the check and the send.
		receipt.Offline = true
		r.logger.Debugf("Private %s to %s not delivered: %v", m.ID, recipient, err)
		return receipt, nil
	}
	receipt.Delivered = 1
	return receipt, nil
}

// checkRecipient accepts Everyone or a name that survives the history line
// format and passes Options.ValidName.
func (r *Router) checkRecipient(recipient string) error {
	if recipient == Everyone {
		return nil
	}
	invalid := recipient == "" ||
		strings.ContainsAny(recipient, ": \t") ||
		strings.EqualFold(recipient, Everyone) ||
		strings.EqualFold(recipient, System)
	if !invalid && r.opts.ValidName != nil {
		invalid = r.opts.ValidName(recipient) != nil
	}
	if invalid {
		return apperror.Route(ErrInvalidRecipient, "invalid recipient")
	}
	return nil
}

// Announce broadcasts a system notice to everyone and records it.
func (r *Router) Announce(content string) (Receipt, error) {
	if err := ValidateContent(content, r.opts.MaxMessageLength); err != nil {
		return Receipt{}, err
	}
	m := NewMessage(System, Everyone, content)
	r.history.Append(m)
	n := r.deliver.Broadcast("", m)
	r.logger.Infof("System announcement %s reached %d sessions", m.ID, n)
	return Receipt{ID: m.ID, Delivered: n}, nil
}

// Edit changes the content of a message sender sent within the edit
// window. The updated message is redelivered under the same ID.
func (r *Router) Edit(sender, id, content string) (Message, error) {
	m, ok := r.history.Get(id)
	if !ok {
		return Message{}, apperror.Route(ErrMessageNotFound, "no such message")
	}
	content, err := r.check(sender, m.Recipient, content)
	if err != nil {
		return Message{}, err
	}
	updated, err := r.history.Edit(id, sender, content, r.opts.EditWindow)
	if err != nil {
		return Message{}, err
	}
	r.redeliver(updated)
	return updated, nil
}

// Delete clears a message sender sent within the delete window. Recipients
// are sent the message again with empty content.
func (r *Router) Delete(sender, id string) (Message, error) {
	deleted, err := r.history.Delete(id, sender, r.opts.DeleteWindow)
	if err != nil {
		return Message{}, err
	}
	r.redeliver(deleted)
	return deleted, nil
}

// MarkRead marks a message read by reader.
func (r *Router) MarkRead(reader, id string) error {
	return r.history.MarkRead(id, reader)
}

func (r *Router) check(sender, recipient, content string) (string, error) {
	if err := ValidateContent(content, r.opts.MaxMessageLength); err != nil {
		return "", err
	}
	if r.filter == nil {
		return content, nil
	}
	out, err := r.filter.Apply(sender, recipient, content)
	if err != nil {
		r.logger.Infof("Filter rejected message from %s: %v", sender, err)
		if errors.Is(err, ErrRejectedContent) {
			return "", err
		}
		return "", apperror.Route(ErrRejectedContent, "message rejected")
	}
	if out != content {
		if err := ValidateContent(out, r.opts.MaxMessageLength); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (r *Router) redeliver(m Message) {
	if m.IsBroadcast() {
		r.deliver.Broadcast("", m)
		return
	}
	if r.deliver.IsOnline(m.Recipient) {
		r.deliver.Unicast(m.Recipient, m)
	}
}
