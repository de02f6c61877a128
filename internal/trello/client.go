package trello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/prdsync/prdsync/internal/types"
)

const (
	DefaultBaseURL = "https://api.trello.com/1"
	DefaultTimeout = 30 * time.Second
	MaxRetries     = 4
	RetryDelay     = 500 * time.Millisecond
	MaxRetryTime   = 60 * time.Second

	// Trello allows 100 requests per 10 seconds per token.
	DefaultRateLimit = rate.Limit(10)
	DefaultBurst     = 10

	posStep = 16384
)

var _ Board = (*Client)(nil)

// APIError is a non-2xx response from Trello.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("trello API %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// Retryable reports whether the status is worth retrying.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the Trello REST API for a single board.
type Client struct {
	BaseURL    string
	APIKey     string
	Token      string
	BoardID    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	limiter    *rate.Limiter
	newBackoff func() backoff.BackOff
}

// NewClient creates a client for one board. The HTTP transport is
// instrumented with OpenTelemetry; spans are dropped unless telemetry is
// enabled.
func NewClient(baseURL, apiKey, token, boardID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Token:   token,
		BoardID: boardID,
		HTTPClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger:     slog.New(slog.DiscardHandler),
		limiter:    rate.NewLimiter(DefaultRateLimit, DefaultBurst),
		newBackoff: defaultBackoff,
	}
}

// WithRateLimit returns a copy of the client with a different request rate.
func (c *Client) WithRateLimit(limit rate.Limit, burst int) *Client {
	cp := *c
	cp.limiter = rate.NewLimiter(limit, burst)
	return &cp
}

// WithLogger returns a copy of the client that logs retries to logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	cp := *c
	cp.Logger = logger
	return &cp
}

func defaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = RetryDelay
	bo.MaxElapsedTime = MaxRetryTime
	return backoff.WithMaxRetries(bo, MaxRetries)
}

// request sends one API call, retrying network errors, 429 and 5xx. out,
// when non-nil, receives the decoded JSON body.
func (c *Client) request(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.APIKey)
	params.Set("token", c.Token)
	fullURL := c.BaseURL + path + "?" + params.Encode()

	attempt := 0
	var body []byte
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			// Keep credentials out of error messages.
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				urlErr.URL = c.BaseURL + path
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.Logger.Debug("trello request failed", "method", method, "path", path, "attempt", attempt, "error", err)
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
			if apiErr.Retryable() {
				c.Logger.Debug("trello request retry", "method", method, "path", path, "attempt", attempt, "status", resp.StatusCode)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		body = data
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) boardPath(suffix string) (string, error) {
	if c.BoardID == "" {
		return "", errors.New("board ID not configured")
	}
	return "/boards/" + url.PathEscape(c.BoardID) + suffix, nil
}

// GetLists returns every list on the board, archived ones included.
func (c *Client) GetLists(ctx context.Context) ([]types.List, error) {
	path, err := c.boardPath("/lists")
	if err != nil {
		return nil, err
	}
	var lists []types.List
	params := url.Values{"filter": {"all"}, "fields": {"id,name,closed"}}
	if err := c.request(ctx, http.MethodGet, path, params, &lists); err != nil {
		return nil, fmt.Errorf("failed to fetch lists: %w", err)
	}
	return lists, nil
}

// GetCards returns every card on the board, archived ones included.
func (c *Client) GetCards(ctx context.Context) ([]types.Card, error) {
	path, err := c.boardPath("/cards")
	if err != nil {
		return nil, err
	}
	var raw []apiCard
	params := url.Values{"filter": {"all"}, "fields": {"id,name,desc,idList,idLabels,closed,dateLastActivity"}}
	if err := c.request(ctx, http.MethodGet, path, params, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch cards: %w", err)
	}

	cards := make([]types.Card, 0, len(raw))
	for _, rc := range raw {
		card, err := rc.toCard()
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// GetLabels returns every label on the board.
func (c *Client) GetLabels(ctx context.Context) ([]types.Label, error) {
	path, err := c.boardPath("/labels")
	if err != nil {
		return nil, err
	}
	var labels []types.Label
	params := url.Values{"fields": {"id,name,color"}, "limit": {"1000"}}
	if err := c.request(ctx, http.MethodGet, path, params, &labels); err != nil {
		return nil, fmt.Errorf("failed to fetch labels: %w", err)
	}
	return labels, nil
}

// GetChecklists returns a card's checklists with items in board order.
func (c *Client) GetChecklists(ctx context.Context, cardID string) ([]types.Checklist, error) {
	var raw []apiChecklist
	params := url.Values{"checkItems": {"all"}, "checkItem_fields": {"name,state,pos"}}
	if err := c.request(ctx, http.MethodGet, "/cards/"+url.PathEscape(cardID)+"/checklists", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch checklists for card %s: %w", cardID, err)
	}
	out := make([]types.Checklist, 0, len(raw))
	for _, rc := range raw {
		out = append(out, rc.toChecklist())
	}
	return out, nil
}

// CreateLabel adds a label to the board.
func (c *Client) CreateLabel(ctx context.Context, name, color string) (types.Label, error) {
	params := url.Values{"idBoard": {c.BoardID}, "name": {name}}
	if color != "" {
		params.Set("color", color)
	}
	var label types.Label
	if err := c.request(ctx, http.MethodPost, "/labels", params, &label); err != nil {
		return types.Label{}, fmt.Errorf("failed to create label %q: %w", name, err)
	}
	return label, nil
}

// CreateCard adds a card at the bottom of its list.
func (c *Client) CreateCard(ctx context.Context, in CardInput) (types.Card, error) {
	params := url.Values{
		"idList": {in.ListID},
		"name":   {in.Name},
		"desc":   {in.Description},
		"pos":    {"bottom"},
	}
	if len(in.LabelIDs) > 0 {
		params.Set("idLabels", strings.Join(in.LabelIDs, ","))
	}
	var raw apiCard
	if err := c.request(ctx, http.MethodPost, "/cards", params, &raw); err != nil {
		return types.Card{}, fmt.Errorf("failed to create card %q: %w", in.Name, err)
	}
	return raw.toCard()
}

// UpdateCard applies a partial update and returns the updated card.
func (c *Client) UpdateCard(ctx context.Context, cardID string, patch CardPatch) (types.Card, error) {
	params := url.Values{}
	if patch.Name != nil {
		params.Set("name", *patch.Name)
	}
	if patch.Description != nil {
		params.Set("desc", *patch.Description)
	}
	if patch.ListID != nil {
		params.Set("idList", *patch.ListID)
	}
	if patch.SetLabels {
		params.Set("idLabels", strings.Join(patch.LabelIDs, ","))
	}
	var raw apiCard
	if err := c.request(ctx, http.MethodPut, "/cards/"+url.PathEscape(cardID), params, &raw); err != nil {
		return types.Card{}, fmt.Errorf("failed to update card %s: %w", cardID, err)
	}
	return raw.toCard()
}

// UpsertChecklist reconciles the named checklist on a card with items.
func (c *Client) UpsertChecklist(ctx context.Context, cardID, name string, items []ItemSpec) (types.Checklist, error) {
	existing, err := c.GetChecklists(ctx, cardID)
	if err != nil {
		return types.Checklist{}, err
	}
	var named []types.Checklist
	for _, cl := range existing {
		if strings.TrimSpace(cl.Name) == name {
			named = append(named, cl)
		}
	}

	var cl types.Checklist
	switch len(named) {
	case 0:
		if len(items) == 0 {
			return types.Checklist{CardID: cardID, Name: name}, nil
		}
		var raw apiChecklist
		params := url.Values{"idCard": {cardID}, "name": {name}}
		if err := c.request(ctx, http.MethodPost, "/checklists", params, &raw); err != nil {
			return types.Checklist{}, fmt.Errorf("failed to create checklist on card %s: %w", cardID, err)
		}
		cl = raw.toChecklist()
	case 1:
		cl = named[0]
	default:
		return types.Checklist{}, fmt.Errorf("card %s has %d checklists named %q", cardID, len(named), name)
	}

	ops := diffChecklist(cl.Items, items)
	for _, itemID := range ops.remove {
		path := "/checklists/" + url.PathEscape(cl.ID) + "/checkItems/" + url.PathEscape(itemID)
		if err := c.request(ctx, http.MethodDelete, path, nil, nil); err != nil {
			return types.Checklist{}, fmt.Errorf("failed to delete checklist item %s: %w", itemID, err)
		}
	}

	result := types.Checklist{ID: cl.ID, CardID: cardID, Name: name}
	for i, s := range ops.slots {
		itemID := s.existingID
		switch {
		case itemID == "":
			var raw apiCheckItem
			params := url.Values{
				"name":    {s.spec.Name},
				"checked": {strconv.FormatBool(s.spec.Checked)},
				"pos":     {"bottom"},
			}
			path := "/checklists/" + url.PathEscape(cl.ID) + "/checkItems"
			if err := c.request(ctx, http.MethodPost, path, params, &raw); err != nil {
				return types.Checklist{}, fmt.Errorf("failed to add checklist item %q: %w", s.spec.Name, err)
			}
			itemID = raw.ID
		case s.checked != s.spec.Checked:
			if err := c.SetChecklistItemState(ctx, cardID, itemID, s.spec.Checked); err != nil {
				return types.Checklist{}, err
			}
		}
		if ops.reorder {
			params := url.Values{"pos": {strconv.Itoa((i + 1) * posStep)}}
			path := "/cards/" + url.PathEscape(cardID) + "/checkItem/" + url.PathEscape(itemID)
			if err := c.request(ctx, http.MethodPut, path, params, nil); err != nil {
				return types.Checklist{}, fmt.Errorf("failed to reorder checklist item %s: %w", itemID, err)
			}
		}
		result.Items = append(result.Items, types.ChecklistItem{ID: itemID, Name: s.spec.Name, Checked: s.spec.Checked})
	}
	return result, nil
}

// SetChecklistItemState marks a checklist item complete or incomplete.
func (c *Client) SetChecklistItemState(ctx context.Context, cardID, itemID string, checked bool) error {
	state := "incomplete"
	if checked {
		state = "complete"
	}
	path := "/cards/" + url.PathEscape(cardID) + "/checkItem/" + url.PathEscape(itemID)
	if err := c.request(ctx, http.MethodPut, path, url.Values{"state": {state}}, nil); err != nil {
		return fmt.Errorf("failed to set checklist item %s: %w", itemID, err)
	}
	return nil
}

type apiCard struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Desc             string   `json:"desc"`
	IDList           string   `json:"idList"`
	IDLabels         []string `json:"idLabels"`
	Closed           bool     `json:"closed"`
	DateLastActivity string   `json:"dateLastActivity"`
}

func (a apiCard) toCard() (types.Card, error) {
	card := types.Card{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Desc,
		ListID:      a.IDList,
		LabelIDs:    a.IDLabels,
		Closed:      a.Closed,
	}
	if a.DateLastActivity == "" {
		return card, fmt.Errorf("card %s has no dateLastActivity", a.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, a.DateLastActivity)
	if err != nil {
		return card, fmt.Errorf("card %s: invalid dateLastActivity %q: %w", a.ID, a.DateLastActivity, err)
	}
	card.LastActivityAt = ts
	return card, nil
}

type apiCheckItem struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	State string  `json:"state"`
	Pos   float64 `json:"pos"`
}

type apiChecklist struct {
	ID         string         `json:"id"`
	IDCard     string         `json:"idCard"`
	Name       string         `json:"name"`
	CheckItems []apiCheckItem `json:"checkItems"`
}

func (a apiChecklist) toChecklist() types.Checklist {
	items := append([]apiCheckItem(nil), a.CheckItems...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Pos < items[j].Pos })
	cl := types.Checklist{ID: a.ID, CardID: a.IDCard, Name: a.Name}
	for _, it := range items {
		cl.Items = append(cl.Items, types.ChecklistItem{ID: it.ID, Name: it.Name, Checked: it.State == "complete"})
	}
	return cl
}
