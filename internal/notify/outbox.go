package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"sharebook/internal/domain"
	"sharebook/internal/repo"
)

// Outbox stores notifications in the notifications table for an external
// mailer to pick up.
type Outbox struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (o Outbox) Send(ctx context.Context, to Recipient, intent Intent, data Data) error {
	if to.Email == "" {
		return errors.Newf("recipient %s has no email", to.UserID)
	}
	if data == nil {
		data = Data{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal notification context")
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	_, err = o.Repo.InsertNotification(ctx, nil, domain.Notification{
		RecipientID: to.UserID,
		Email:       to.Email,
		Intent:      string(intent),
		ContextJSON: string(payload),
		CreatedAt:   now().UTC(),
	})
	return errors.Wrap(err, "insert notification")
}
