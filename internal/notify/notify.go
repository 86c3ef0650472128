// Package notify delivers lifecycle notifications. The engine treats every
// sink as best effort: a returned error is logged by the caller and never
// undoes the work that triggered the message.
package notify

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sharebook/internal/logger"
)

// Intent names the message template an external mailer renders.
type Intent string

const (
	IntentChooseDateReminder    Intent = "choose_date_reminder"
	IntentLateDonationOwner     Intent = "late_donation_owner"
	IntentLateDonationRequester Intent = "late_donation_requester"
	IntentBookRemoved           Intent = "book_removed_from_showcase"
)

type Recipient struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Data is the template context for an intent.
type Data map[string]string

// Message is one notification planned by a task.
type Message struct {
	To     Recipient
	Intent Intent
	Data   Data
}

type Sink interface {
	Send(ctx context.Context, to Recipient, intent Intent, data Data) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, to Recipient, intent Intent, data Data) error

func (f SinkFunc) Send(ctx context.Context, to Recipient, intent Intent, data Data) error {
	return f(ctx, to, intent, data)
}

// Multi sends to every sink and combines their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, to Recipient, intent Intent, data Data) error {
	var err error
	for _, s := range m {
		if sendErr := s.Send(ctx, to, intent, data); sendErr != nil {
			err = errors.CombineErrors(err, sendErr)
		}
	}
	return err
}

// Log writes each notification to a structured logger.
type Log struct {
	Logger *zap.SugaredLogger
}

func (l Log) Send(_ context.Context, to Recipient, intent Intent, data Data) error {
	log := l.Logger
	if log == nil {
		log = logger.Nop()
	}
	log.Infow("notification",
		logger.FieldIntent, string(intent),
		logger.FieldRecipient, to.UserID,
		"email", to.Email,
		"data", map[string]string(data),
	)
	return nil
}

// Throttled waits on a token bucket before each send.
type Throttled struct {
	Sink    Sink
	Limiter *rate.Limiter
}

func NewThrottled(s Sink, perSecond float64, burst int) Throttled {
	return Throttled{Sink: s, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t Throttled) Send(ctx context.Context, to Recipient, intent Intent, data Data) error {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "notification rate limit")
		}
	}
	return t.Sink.Send(ctx, to, intent, data)
}

// Recorder keeps every message in memory. It is safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
}

func (r *Recorder) Send(_ context.Context, to Recipient, intent Intent, data Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Message{To: to, Intent: intent, Data: data})
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}
