package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const defaultWebhookTimeout = 5 * time.Second

const (
	HeaderIntent    = "X-Sharebook-Intent"
	HeaderSignature = "X-Sharebook-Signature"
)

// Webhook POSTs each notification as JSON. When Secret is set the body is
// signed with HMAC-SHA256 and sent as "sha256=<hex>".
type Webhook struct {
	URL     string
	Secret  string
	Intents []string
	Client  *http.Client
	Now     func() time.Time
}

type webhookBody struct {
	Intent    Intent    `json:"intent"`
	Recipient Recipient `json:"recipient"`
	Data      Data      `json:"data"`
	SentAt    string    `json:"sent_at"`
}

func (w Webhook) Send(ctx context.Context, to Recipient, intent Intent, data Data) error {
	if !newIntentFilter(w.Intents).match(string(intent)) {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if data == nil {
		data = Data{}
	}
	body, err := json.Marshal(webhookBody{Intent: intent, Recipient: to, Data: data, SentAt: now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIntent, string(intent))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(w.Secret, body))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "webhook %s", w.URL)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return errors.Newf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type intentFilter struct {
	all bool
	set map[string]struct{}
}

func newIntentFilter(intents []string) intentFilter {
	set := make(map[string]struct{}, len(intents))
	for _, in := range intents {
		if key := strings.TrimSpace(in); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return intentFilter{all: true}
	}
	return intentFilter{set: set}
}

func (f intentFilter) match(intent string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[intent]
	return ok
}
