package lims

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

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL         string
	HTTPClient      *http.Client
	Tokens          TokenSource
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AckOutcomes posts per-entry outcomes back to the feed after each page.
	AckOutcomes bool
	Logger      zerolog.Logger
}

// Client talks to the LIMS order API over HTTP. Network failures, 429 and
// 5xx responses are retried with exponential backoff.
type Client struct {
	baseURL         string
	tokens          TokenSource
	httpClient      *http.Client
	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration
	ackOutcomes     bool
	logger          zerolog.Logger
}

var _ Remote = (*Client)(nil)

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	initial := opts.InitialInterval
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxInterval := opts.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	return &Client{
		baseURL:         baseURL,
		tokens:          opts.Tokens,
		httpClient:      httpClient,
		maxRetries:      maxRetries,
		initialInterval: initial,
		maxInterval:     maxInterval,
		ackOutcomes:     opts.AckOutcomes,
		logger:          opts.Logger.With().Str("component", "lims-client").Logger(),
	}
}

func (c *Client) CreateOrder(ctx context.Context, order OrderDTO) (DocumentRef, error) {
	var ref DocumentRef
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/orders", order, &ref); err != nil {
		return DocumentRef{}, fmt.Errorf("create order %s: %w", order.OrderID, err)
	}
	if ref.ID == "" {
		return DocumentRef{}, fmt.Errorf("create order %s: response carried no document id", order.OrderID)
	}
	return ref, nil
}

func (c *Client) UpdateOrder(ctx context.Context, remoteID string, order OrderDTO) (DocumentRef, error) {
	var ref DocumentRef
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/orders/"+url.PathEscape(remoteID), order, &ref); err != nil {
		return DocumentRef{}, fmt.Errorf("update order %s: %w", remoteID, err)
	}
	if ref.ID == "" {
		ref.ID = remoteID
	}
	return ref, nil
}

func (c *Client) GetOrder(ctx context.Context, remoteID string) (*Document, error) {
	payload, err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", remoteID, err)
	}
	return ParseDocument(payload)
}

// ConsumeOrders replays up to limit change-feed entries after from, calling
// fn for each in feed order. It stops at the first error fn returns, or when
// ctx is cancelled between entries.
func (c *Client) ConsumeOrders(ctx context.Context, from *string, limit int, fn EntryFunc) error {
	if limit <= 0 {
		return fmt.Errorf("consume orders: limit must be positive, got %d", limit)
	}
	since := ""
	if from != nil {
		since = *from
	}

	processed := 0
	for processed < limit {
		q := url.Values{}
		if since != "" {
			q.Set("since", since)
		}
		q.Set("limit", strconv.Itoa(limit-processed))
		payload, err := c.do(ctx, http.MethodGet, "/api/v1/orders/changes?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("fetch changes since %q: %w", since, err)
		}
		entries, err := parseChanges(payload)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		var outcomes []ackOutcome
		for _, e := range entries {
			if processed >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				c.ack(ctx, outcomes)
				return err
			}
			res, err := fn(ctx, e, FeedContext{Position: e.Seq, Index: processed})
			if err != nil {
				c.ack(ctx, outcomes)
				return err
			}
			outcomes = append(outcomes, newAckOutcome(e, res))
			processed++
			since = e.Seq
		}
		c.ack(ctx, outcomes)
	}
	return nil
}

func parseChanges(payload []byte) ([]Entry, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("change feed: malformed response")
	}
	var entries []Entry
	var parseErr error
	gjson.GetBytes(payload, "results").ForEach(func(_, r gjson.Result) bool {
		e := Entry{
			Seq:      text(r.Get("seq")),
			ID:       text(r.Get("id")),
			Revision: text(r.Get("changes.0.rev")),
		}
		if doc := r.Get("doc"); doc.IsObject() {
			e.Doc = json.RawMessage(doc.Raw)
			if e.ID == "" {
				e.ID = text(doc.Get("_id"))
			}
			if e.Revision == "" {
				e.Revision = text(doc.Get("_rev"))
			}
		}
		if e.Seq == "" {
			parseErr = fmt.Errorf("change feed: entry %d (%s) has no seq", len(entries), e.ID)
			return false
		}
		entries = append(entries, e)
		return true
	})
	return entries, parseErr
}

type ackOutcome struct {
	ID      string `json:"id"`
	Seq     string `json:"seq"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func newAckOutcome(e Entry, res EntryResult) ackOutcome {
	status := "rejected"
	if res.Accepted {
		status = "accepted"
	}
	return ackOutcome{ID: e.ID, Seq: e.Seq, Status: status, Message: res.Message}
}

// ack is best-effort; the LIMS does not require it and the checkpoint has
// already been advanced past these entries.
func (c *Client) ack(ctx context.Context, outcomes []ackOutcome) {
	if !c.ackOutcomes || len(outcomes) == 0 {
		return
	}
	body := map[string]any{"outcomes": outcomes}
	if err := c.doJSON(context.WithoutCancel(ctx), http.MethodPost, "/api/v1/orders/changes/ack", body, nil); err != nil {
		c.logger.Warn().Err(err).Int("count", len(outcomes)).Msg("failed to acknowledge feed outcomes")
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	payload, err := c.do(ctx, method, requestPath, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, requestPath string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			token, err := c.tokens.Token()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			c.logger.Debug().Err(err).Str("path", requestPath).Int("attempt", attempt).Msg("lims request failed")
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		herr := newHTTPError(resp.StatusCode, payload)
		if herr.Retryable() {
			c.logger.Debug().Int("status", resp.StatusCode).Str("path", requestPath).Int("attempt", attempt).Msg("lims request will be retried")
			return nil, herr
		}
		return nil, backoff.Permanent(herr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
}

func newHTTPError(status int, payload []byte) *HTTPError {
	herr := &HTTPError{StatusCode: status}
	if gjson.ValidBytes(payload) {
		herr.Code = firstNonEmpty(gjson.GetBytes(payload, "code").String(), gjson.GetBytes(payload, "error").String())
		herr.Message = firstNonEmpty(gjson.GetBytes(payload, "message").String(), gjson.GetBytes(payload, "reason").String())
	}
	if herr.Message == "" {
		herr.Message = http.StatusText(status)
	}
	return herr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
