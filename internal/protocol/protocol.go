// Package protocol implements the line-oriented chat wire protocol.
//
// Client requests:
//
//	LOGIN <user> <pass>
//	REGISTER <user> <pass>
//	SEND <recipient|all> <content...>
//	EDIT <id> <content...>
//	DELETE <id>
//	READ <id>
//	WHO
//	HISTORY
//	PING
//	QUIT
//
// Server frames:
//
//	OK [info]
//	ERR <reason>
//	MSG <id> <sender> <recipient> <rfc3339> <content...>
//	HIST <id> <sender> <recipient> <rfc3339> <content...>
//	USERS [user ...]
//	SYSTEM <text>
//	PONG
//
// A MSG carrying an ID the client has already seen replaces the earlier
// message. Empty content means the message was deleted.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
)

// Request verbs.
const (
	VerbLogin    = "LOGIN"
	VerbRegister = "REGISTER"
	VerbSend     = "SEND"
	VerbEdit     = "EDIT"
	VerbDelete   = "DELETE"
	VerbRead     = "READ"
	VerbWho      = "WHO"
	VerbHistory  = "HISTORY"
	VerbPing     = "PING"
	VerbQuit     = "QUIT"
)

// Response kinds.
const (
	KindOK     = "OK"
	KindErr    = "ERR"
	KindMsg    = "MSG"
	KindHist   = "HIST"
	KindUsers  = "USERS"
	KindSystem = "SYSTEM"
	KindPong   = "PONG"
)

// Pong is the reply to PING.
const Pong = KindPong

// Parse errors.
var (
	ErrUnknownVerb = errors.New("unknown command")
	ErrMalformed   = errors.New("malformed request")
)

// Request is one parsed client frame. Only the fields relevant to Verb
// are set.
type Request struct {
	Verb      string
	Username  string
	Password  string
	Recipient string
	ID        string
	Content   string
}

// ParseRequest parses a client frame. Verbs are case-insensitive.
func ParseRequest(frame string) (Request, error) {
	verb, rest, _ := strings.Cut(frame, " ")
	req := Request{Verb: strings.ToUpper(verb)}

	switch req.Verb {
	case VerbLogin, VerbRegister:
		user, pass, ok := strings.Cut(rest, " ")
		if !ok || user == "" || pass == "" {
			return req, malformed(req.Verb + " <user> <pass>")
		}
		req.Username, req.Password = user, pass
	case VerbSend:
		to, content, ok := strings.Cut(rest, " ")
		if !ok || to == "" {
			return req, malformed("SEND <recipient|all> <message>")
		}
		req.Recipient, req.Content = to, content
	case VerbEdit:
		id, content, ok := strings.Cut(rest, " ")
		if !ok || id == "" {
			return req, malformed("EDIT <id> <message>")
		}
		req.ID, req.Content = id, content
	case VerbDelete, VerbRead:
		if rest == "" || strings.Contains(rest, " ") {
			return req, malformed(req.Verb + " <id>")
		}
		req.ID = rest
	case VerbWho, VerbHistory, VerbPing, VerbQuit:
		if strings.TrimSpace(rest) != "" {
			return req, malformed(req.Verb + " takes no arguments")
		}
	case "":
		return req, malformed("empty request")
	default:
		return req, apperror.Session(ErrUnknownVerb, "unknown command "+verb)
	}
	return req, nil
}

func malformed(usage string) error {
	return apperror.Session(ErrMalformed, "usage: "+usage)
}

// OK formats a success reply.
func OK(info string) string {
	if info == "" {
		return KindOK
	}
	return KindOK + " " + info
}

// Err formats a failure reply.
func Err(reason string) string {
	return KindErr + " " + reason
}

// ErrFrom formats a failure reply for err using its wire reason.
func ErrFrom(err error) string {
	return Err(apperror.Reason(err))
}

// Msg formats a pushed chat message.
func Msg(m chat.Message) string {
	return formatMessage(KindMsg, m)
}

// Hist formats one line of a HISTORY reply.
func Hist(m chat.Message) string {
	return formatMessage(KindHist, m)
}

func formatMessage(kind string, m chat.Message) string {
	return fmt.Sprintf("%s %s %s %s %s %s", kind, m.ID, m.Sender, m.Recipient,
		m.Timestamp.UTC().Format(time.RFC3339), m.Content)
}

// Users formats the online list.
func Users(names []string) string {
	if len(names) == 0 {
		return KindUsers
	}
	return KindUsers + " " + strings.Join(names, " ")
}

// System formats a server notice.
func System(text string) string {
	return KindSystem + " " + text
}

// Response is one parsed server frame.
type Response struct {
	Kind    string
	Info    string       // OK info, ERR reason, SYSTEM text
	Message chat.Message // MSG, HIST
	Users   []string     // USERS
}

// ParseResponse parses a server frame.
func ParseResponse(frame string) (Response, error) {
	kind, rest, _ := strings.Cut(frame, " ")
	resp := Response{Kind: kind}

	switch kind {
	case KindOK, KindErr, KindSystem:
		resp.Info = rest
	case KindPong:
	case KindUsers:
		resp.Users = strings.Fields(rest)
	case KindMsg, KindHist:
		m, err := parseMessage(rest)
		if err != nil {
			return resp, err
		}
		resp.Message = m
	default:
		return resp, fmt.Errorf("%w: unknown response %q", ErrMalformed, kind)
	}
	return resp, nil
}

func parseMessage(s string) (chat.Message, error) {
	parts := strings.SplitN(s, " ", 5)
	if len(parts) < 4 {
		return chat.Message{}, fmt.Errorf("%w: short message frame", ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339, parts[3])
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	m := chat.Message{
		ID:        parts[0],
		Sender:    parts[1],
		Recipient: parts[2],
		Timestamp: ts,
		Type:      chat.TypeFor(parts[1], parts[2]),
	}
	if len(parts) == 5 {
		m.Content = parts[4]
	}
	m.Deleted = m.Content == ""
	return m, nil
}
