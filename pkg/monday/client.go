// Package monday is the client for the board's GraphQL API. It hides
// pagination, batching, pacing and transient-failure retry behind the three
// query shapes the sync engine needs.
package monday

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mto-ops/worklog-sync/pkg/config"
)

// Client talks to the remote API. It is safe for concurrent use, though the
// sync engine issues requests one at a time.
type Client struct {
	endpoint    string
	token       string
	apiVersion  string
	todayColumn string
	pageSize    int
	batchSize   int
	maxPages    int
	maxRetries  int

	httpClient *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBackOff replaces the retry schedule. The factory is called once per
// request.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// NewClient builds a client from the remote section of the configuration.
func NewClient(cfg config.MondayConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > config.MaxBatchSize {
		batch = config.MaxBatchSize
	}
	page := cfg.PageSize
	if page <= 0 || page > config.MaxPageSize {
		page = config.MaxPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	c := &Client{
		endpoint:    cfg.APIURL,
		token:       cfg.APIToken,
		apiVersion:  cfg.APIVersion,
		todayColumn: cfg.TodayColumn,
		pageSize:    page,
		batchSize:   batch,
		maxPages:    maxPages,
		maxRetries:  cfg.MaxRetries,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter:     rate.NewLimiter(limit, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchColumnTitles returns the board's column ids mapped to their display
// titles.
func (c *Client) FetchColumnTitles(ctx context.Context, boardID int64) (map[string]string, error) {
	const op = "fetch column titles"

	var payload boardsPayload
	if err := c.do(ctx, op, columnTitlesQuery, map[string]any{"board": boardIDs(boardID)}, &payload); err != nil {
		return nil, err
	}
	if len(payload.Boards) == 0 {
		return nil, &TransportError{Op: op, Messages: []string{fmt.Sprintf("board %d not found", boardID)}}
	}

	titles := make(map[string]string, len(payload.Boards[0].Columns))
	for _, col := range payload.Boards[0].Columns {
		titles[col.ID] = col.Title
	}
	return titles, nil
}

// ListChangedSince returns metadata for items updated after watermark, plus
// items whose today column is set to the current date. Every page is read
// before returning; a listing longer than the configured page bound fails
// rather than returning a truncated delta.
func (c *Client) ListChangedSince(ctx context.Context, boardID int64, watermark time.Time) ([]ItemMeta, error) {
	const op = "list changed items"

	params := map[string]any{
		"rules": []map[string]any{
			{
				"column_id":         "__last_updated__",
				"compare_value":     []string{"EXACT", watermark.UTC().Format(time.RFC3339)},
				"compare_attribute": "UPDATED_AT",
				"operator":          "greater_than",
			},
			{
				"column_id":     c.todayColumn,
				"compare_value": []string{"TODAY"},
				"operator":      "any_of",
			},
		},
		"operator": "or",
	}
	vars := map[string]any{
		"board":  boardIDs(boardID),
		"limit":  c.pageSize,
		"params": params,
	}

	wire, err := c.collectPages(ctx, op, changedItemsQuery, vars, nextChangedItemsQuery)
	if err != nil {
		return nil, err
	}

	out := make([]ItemMeta, 0, len(wire))
	for _, w := range wire {
		meta, err := w.meta()
		if err != nil {
			return nil, &TransportError{Op: op, Messages: []string{"malformed item"}, Err: err}
		}
		out = append(out, meta)
	}
	c.logger.Info("retrieved changed item metadata", "board", boardID, "since", watermark.UTC().Format(time.RFC3339), "items", len(out))
	return out, nil
}

// FetchFullRecords returns full snapshots for ids, requested in batches of
// at most the configured batch size. Either every batch succeeds or an error
// is returned; no partial result escapes. Items reported on another board
// are dropped.
func (c *Client) FetchFullRecords(ctx context.Context, boardID int64, ids []int64) ([]Item, error) {
	const op = "fetch items"

	ordered := append([]int64(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	wantBoard := strconv.FormatInt(boardID, 10)
	var out []Item
	for start := 0; start < len(ordered); start += c.batchSize {
		end := min(start+c.batchSize, len(ordered))
		batch := ordered[start:end]

		c.logger.Debug("requesting item batch", "board", boardID, "offset", start, "size", len(batch))

		strIDs := make([]string, len(batch))
		for i, id := range batch {
			strIDs[i] = strconv.FormatInt(id, 10)
		}
		var payload itemsPayload
		if err := c.do(ctx, op, itemsByIDQuery, map[string]any{"ids": strIDs, "limit": len(batch)}, &payload); err != nil {
			return nil, err
		}

		for _, w := range payload.Items {
			if w.Board != nil && w.Board.ID != "" && w.Board.ID != wantBoard {
				c.logger.Warn("skipping item from another board", "item", w.ID, "board", w.Board.ID)
				continue
			}
			item, err := w.item()
			if err != nil {
				return nil, &TransportError{Op: op, Messages: []string{"malformed item"}, Err: err}
			}
			out = append(out, item)
		}
	}

	c.logger.Info("fetched full item records", "board", boardID, "requested", len(ordered), "received", len(out))
	return out, nil
}

// ListBoardItems pages through the whole board with column values.
func (c *Client) ListBoardItems(ctx context.Context, boardID int64) ([]Item, error) {
	const op = "list board items"

	vars := map[string]any{"board": boardIDs(boardID), "limit": c.pageSize}
	wire, err := c.collectPages(ctx, op, boardItemsQuery, vars, nextBoardItemsQuery)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, len(wire))
	for _, w := range wire {
		item, err := w.item()
		if err != nil {
			return nil, &TransportError{Op: op, Messages: []string{"malformed item"}, Err: err}
		}
		out = append(out, item)
	}
	c.logger.Info("retrieved board items", "board", boardID, "items", len(out))
	return out, nil
}

func (c *Client) collectPages(ctx context.Context, op, firstQuery string, firstVars map[string]any, nextQuery string) ([]wireItem, error) {
	var first boardsPayload
	if err := c.do(ctx, op, firstQuery, firstVars, &first); err != nil {
		return nil, err
	}
	if len(first.Boards) == 0 {
		return nil, &TransportError{Op: op, Messages: []string{"board not found"}}
	}

	page := first.Boards[0].ItemsPage
	items := append([]wireItem(nil), page.Items...)
	pages := 1
	for page.Cursor != nil && *page.Cursor != "" && len(page.Items) > 0 {
		if pages >= c.maxPages {
			return nil, &TransportError{Op: op, Messages: []string{fmt.Sprintf("listing exceeds %d pages", c.maxPages)}}
		}
		var next nextPagePayload
		if err := c.do(ctx, op, nextQuery, map[string]any{"cursor": *page.Cursor, "limit": c.pageSize}, &next); err != nil {
			return nil, err
		}
		page = next.NextItemsPage
		items = append(items, page.Items...)
		pages++
		c.logger.Debug("fetched page", "op", op, "page", pages, "items", len(page.Items))
	}
	return items, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data         json.RawMessage `json:"data"`
	Errors       []graphQLError  `json:"errors"`
	ErrorMessage string          `json:"error_message"`
	ErrorCode    string          `json:"error_code"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// do sends one GraphQL request, retrying transient failures, and decodes
// the data member into out.
func (c *Client) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	attempt := 0
	send := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&TransportError{Op: op, Err: err})
		}
		err := c.send(ctx, op, body, out)
		if err == nil {
			return nil
		}
		var te *TransportError
		if errors.As(err, &te) && te.Retryable() && ctx.Err() == nil {
			c.logger.Warn("retrying remote request", "op", op, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(max(c.maxRetries, 0))), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) send(ctx context.Context, op string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: op, Messages: []string{"build request"}, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)
	if c.apiVersion != "" {
		req.Header.Set("API-Version", c.apiVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Messages: []string{snippet(raw)}}
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Messages: []string{"malformed payload"}, Err: err}
	}
	if len(envelope.Errors) > 0 || envelope.ErrorMessage != "" {
		msgs := make([]string, 0, len(envelope.Errors)+1)
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		if envelope.ErrorMessage != "" {
			msgs = append(msgs, envelope.ErrorMessage)
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Messages: msgs}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Messages: []string{"response has no data"}}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Messages: []string{"malformed data"}, Err: err}
	}
	return nil
}

func boardIDs(boardID int64) []string {
	return []string{strconv.FormatInt(boardID, 10)}
}

func snippet(raw []byte) string {
	const limit = 512
	s := string(bytes.TrimSpace(raw))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
