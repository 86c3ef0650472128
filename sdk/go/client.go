package sharebooksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal ShareBook jobs API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// VariantSummary counts the outcomes of one task kind within a cycle.
type VariantSummary struct {
	TaskKind string `json:"task_kind"`
	Eligible int    `json:"eligible"`
	Success  int    `json:"success"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// CycleSummary is returned by RunJobs.
type CycleSummary struct {
	CycleID  string           `json:"cycle_id"`
	Now      time.Time        `json:"now"`
	Success  int              `json:"success"`
	Skipped  int              `json:"skipped"`
	Failed   int              `json:"failed"`
	Variants []VariantSummary `json:"variants"`
}

// HistoryEntry is one job history record.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"`
	TaskKind   string    `json:"task_kind"`
	TargetKind string    `json:"target_kind"`
	TargetID   string    `json:"target_id"`
	PeriodKey  string    `json:"period_key"`
	ExecutedAt time.Time `json:"executed_at"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// HistoryFilter narrows History. Zero values are ignored.
type HistoryFilter struct {
	TaskKind string
	TargetID string
	Outcome  string
	CycleID  string
	Limit    int
	Cursor   string
}

// PaginatedHistory wraps history listings with a cursor for the next page.
type PaginatedHistory struct {
	Items      []HistoryEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// RunJobs runs one cycle. A zero at lets the server use its current time.
func (c *Client) RunJobs(ctx context.Context, at time.Time) (CycleSummary, error) {
	endpoint := "v0/jobs/run"
	if !at.IsZero() {
		endpoint += "?at=" + url.QueryEscape(at.Format(time.RFC3339))
	}
	var resp CycleSummary
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// History returns one page of job history, newest first.
func (c *Client) History(ctx context.Context, f HistoryFilter) (PaginatedHistory, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("task_kind", f.TaskKind)
	set("target_id", f.TargetID)
	set("outcome", f.Outcome)
	set("cycle_id", f.CycleID)
	set("cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "v0/jobs/history"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Cycle returns one cycle's entries in execution order.
func (c *Client) Cycle(ctx context.Context, cycleID string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/jobs/cycles/"+url.PathEscape(cycleID), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
