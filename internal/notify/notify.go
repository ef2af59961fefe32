package notify

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"contestkit.org/internal/ids"
	"contestkit.org/internal/obs"
)

// MaxBodyLength is the longest message body accepted, in characters.
const MaxBodyLength = 480

var ErrInvalidMessage = errors.New("notify: invalid message")

// Message is one outbound SMS.
type Message struct {
	ID   string
	To   string
	Body string
	// Category is the rate-limit category the caller admitted this message under.
	Category string
}

// Validate checks the recipient and body.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.Join(ErrInvalidMessage, errors.New("recipient is required"))
	}
	body := strings.TrimSpace(m.Body)
	if body == "" {
		return errors.Join(ErrInvalidMessage, errors.New("body is required"))
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return errors.Join(ErrInvalidMessage, errors.New("body too long"))
	}
	return nil
}

// Sender delivers messages. Callers apply rate limits before sending.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogSender writes messages to the service log instead of a provider.
// Only the body length is logged.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	id := msg.ID
	if id == "" {
		id = ids.New()
	}
	obs.Info("sms dispatched", map[string]any{
		"message_id": id,
		"to":         maskRecipient(msg.To),
		"category":   msg.Category,
		"body_chars": utf8.RuneCountInString(msg.Body),
	})
	return id, nil
}

// maskRecipient keeps the last four characters.
func maskRecipient(to string) string {
	to = strings.TrimSpace(to)
	if len(to) <= 4 {
		return strings.Repeat("*", len(to))
	}
	return strings.Repeat("*", len(to)-4) + to[len(to)-4:]
}
