package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/ibois-epfl/diffCheck/pipeline"
)

const (
	// DefaultTimeout is the default HTTP request timeout for webhook posts.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of attempts per post.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond
)

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.timeout = d }
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.baseBackoff = d }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = client }
}

// Webhook POSTs run summaries as JSON to a fixed URL.
type Webhook struct {
	url         string
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

// NewWebhook returns a webhook sink posting to url.
func NewWebhook(url string, opts ...WebhookOption) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("webhook: URL is empty")
	}
	w := &Webhook{
		url:         url,
		timeout:     DefaultTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxRetries < 1 {
		w.maxRetries = 1
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: w.timeout}
	}
	return w, nil
}

// PublishComparison posts the comparison summary.
func (w *Webhook) PublishComparison(ctx context.Context, run *pipeline.ComparisonRun) error {
	return w.post(ctx, "comparison", run.Summary())
}

// PublishReport posts the report summary.
func (w *Webhook) PublishReport(ctx context.Context, report *pipeline.Report) error {
	return w.post(ctx, report.Kind, report.Summary())
}

type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func (w *Webhook) post(ctx context.Context, event string, data interface{}) error {
	body, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return errors.Wrap(err, "webhook: marshaling")
	}

	var lastErr error
	for attempt := range w.maxRetries {
		if attempt > 0 {
			backoff := w.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "webhook")
			case <-time.After(backoff):
			}
		}
		retry, err := w.do(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return errors.Wrapf(lastErr, "webhook: %d attempts failed", w.maxRetries)
}

// do performs a single POST and reports whether a failure is worth retrying.
func (w *Webhook) do(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, errors.Wrapf(err, "POST %s", w.url)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	// 4xx other than throttling is permanent.
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, errors.Errorf("POST %s: status %d", w.url, resp.StatusCode)
}
