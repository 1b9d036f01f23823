// Package listclient talks to the list service HTTP API, either at a fixed
// address or through a locally supervised server.
package listclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/models"
)

// AddressProvider is anything that can report whether a server is up and
// where it listens. *binserver.Manager implements it.
type AddressProvider interface {
	Available() bool
	Address() string
}

// ListReader is the read side of the client, used by the refresher.
type ListReader interface {
	GetDetailedItems(ctx context.Context, list string) (int, []models.Item, error)
	GetLists(ctx context.Context) (int, []string, error)
}

// Ensure Client implements ListReader at compile time.
var _ ListReader = (*Client)(nil)

const (
	defaultUserAgent = "anylist-go/1.0"
	requestTimeout   = 10 * time.Second

	// statusUnavailable is reported by read operations when the request never
	// produced an HTTP response.
	statusUnavailable = http.StatusInternalServerError
)

// Client performs list and item operations. It owns its HTTP client.
type Client struct {
	cfg       models.ClientConfig
	server    AddressProvider
	http      *http.Client
	logger    *slog.Logger
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithServer binds a local server used when no ServerAddress is configured.
func WithServer(p AddressProvider) Option {
	return func(c *Client) { c.server = p }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New builds a client. Configuration is validated by the caller (see
// validate.ClientConfig); New does not perform I/O.
func New(cfg models.ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: requestTimeout},
		logger:    slog.Default(),
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveAddress returns the base URL for the next request: the configured
// ServerAddress, else the bound server when it is available. It is
// evaluated on every call, so a server that dies is noticed on the next one.
func (c *Client) ResolveAddress() (string, error) {
	if c.cfg.ServerAddress != "" {
		return c.cfg.ServerAddress, nil
	}
	if c.server != nil && c.server.Available() {
		return c.server.Address(), nil
	}
	return "", apperr.New(apperr.KindServer, "no server available")
}

// ListName resolves the list to operate on: the explicit name, else the
// configured default, else "". An empty result is sent as is.
func (c *Client) ListName(list string) string {
	if list != "" {
		return list
	}
	return c.cfg.DefaultListName
}

// AddItem adds name to a list. 200 and 304 both count as success. New items
// are always sent unchecked; fields.Checked is ignored.
func (c *Client) AddItem(ctx context.Context, name string, fields *models.ItemFields, list string) (int, error) {
	body := map[string]any{
		"name": strings.TrimSpace(name),
		"list": c.ListName(list),
	}
	mergeFields(body, fields)
	body["checked"] = false
	return c.mutate(ctx, "/add", "add item", body, http.StatusOK, http.StatusNotModified)
}

// RemoveItemByName removes the item called name.
func (c *Client) RemoveItemByName(ctx context.Context, name, list string) (int, error) {
	body := map[string]any{
		"name": strings.TrimSpace(name),
		"list": c.ListName(list),
	}
	return c.mutate(ctx, "/remove", "remove item", body, http.StatusOK, http.StatusNotModified)
}

// RemoveItemByID removes the item with the given id.
func (c *Client) RemoveItemByID(ctx context.Context, id, list string) (int, error) {
	body := map[string]any{
		"id":   id,
		"list": c.ListName(list),
	}
	return c.mutate(ctx, "/remove", "remove item", body, http.StatusOK, http.StatusNotModified)
}

// UpdateItem changes the fields of an item. Only 200 counts as success.
func (c *Client) UpdateItem(ctx context.Context, id string, fields *models.ItemFields, list string) (int, error) {
	body := map[string]any{
		"id":   id,
		"list": c.ListName(list),
	}
	mergeFields(body, fields)
	return c.mutate(ctx, "/update", "update item", body, http.StatusOK)
}

// CheckItem sets the checked state of the item called name.
func (c *Client) CheckItem(ctx context.Context, name, list string, checked bool) (int, error) {
	body := map[string]any{
		"name":    strings.TrimSpace(name),
		"list":    c.ListName(list),
		"checked": checked,
	}
	return c.mutate(ctx, "/check", "update item status", body, http.StatusOK, http.StatusNotModified)
}

// UncheckItem is CheckItem with checked=false.
func (c *Client) UncheckItem(ctx context.Context, name, list string) (int, error) {
	return c.CheckItem(ctx, name, list, false)
}

type itemsResponse struct {
	Items []models.Item `json:"items"`
}

type listsResponse struct {
	Lists []string `json:"lists"`
}

// GetDetailedItems returns every item on a list in service order.
//
// Reads degrade instead of failing: a non-200 answer yields that status and
// an empty slice, and a request that never got an answer yields 500 and an
// empty slice. The error is non-nil only when no server address can be
// resolved. Callers that must distinguish an empty list from an outage
// should check the status code.
func (c *Client) GetDetailedItems(ctx context.Context, list string) (int, []models.Item, error) {
	values := url.Values{}
	if name := c.ListName(list); name != "" {
		values.Set("list", name)
	}
	var payload itemsResponse
	status, err := c.read(ctx, "/items", values, &payload, "get items")
	if err != nil {
		return 0, []models.Item{}, err
	}
	if status != http.StatusOK || payload.Items == nil {
		return status, []models.Item{}, nil
	}
	return status, payload.Items, nil
}

// GetItems returns the names of unchecked items.
func (c *Client) GetItems(ctx context.Context, list string) (int, []string, error) {
	status, items, err := c.GetDetailedItems(ctx, list)
	if err != nil {
		return status, []string{}, err
	}
	unchecked, _ := partition(items)
	return status, unchecked, nil
}

// GetAllItems returns unchecked and checked item names.
func (c *Client) GetAllItems(ctx context.Context, list string) (int, []string, []string, error) {
	status, items, err := c.GetDetailedItems(ctx, list)
	if err != nil {
		return status, []string{}, []string{}, err
	}
	unchecked, checked := partition(items)
	return status, unchecked, checked, nil
}

// GetLists returns the names of all lists, degrading like GetDetailedItems.
func (c *Client) GetLists(ctx context.Context) (int, []string, error) {
	var payload listsResponse
	status, err := c.read(ctx, "/lists", nil, &payload, "get lists")
	if err != nil {
		return 0, []string{}, err
	}
	if status != http.StatusOK || payload.Lists == nil {
		return status, []string{}, nil
	}
	return status, payload.Lists, nil
}

// WaitReady polls GetLists until the service answers 200 or ctx ends.
// It is meant for a freshly spawned server that is not listening yet.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, _, err := c.GetLists(ctx)
		if err == nil && status == http.StatusOK {
			return nil
		}
		select {
		case <-ctx.Done():
			if err == nil {
				err = apperr.WithCode(apperr.KindServer, "server not ready", status)
			}
			return fmt.Errorf("listclient: wait ready: %w: %w", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func partition(items []models.Item) (unchecked, checked []string) {
	unchecked, checked = []string{}, []string{}
	for _, it := range items {
		if it.Checked {
			checked = append(checked, it.Name)
		} else {
			unchecked = append(unchecked, it.Name)
		}
	}
	return unchecked, checked
}

func mergeFields(body map[string]any, fields *models.ItemFields) {
	if fields == nil {
		return
	}
	if fields.Name != nil {
		body["name"] = strings.TrimSpace(*fields.Name)
	}
	if fields.Checked != nil {
		body["checked"] = *fields.Checked
	}
	if fields.Notes != nil {
		body["notes"] = *fields.Notes
	}
}

// mutate POSTs body and maps any status outside accepted to a SERVER error.
func (c *Client) mutate(ctx context.Context, path, op string, body map[string]any, accepted ...int) (int, error) {
	base, err := c.ResolveAddress()
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("listclient: encode %s: %w", op, err)
	}

	resp, err := c.do(ctx, http.MethodPost, base, path, nil, payload)
	if err != nil {
		c.logger.Error("listclient: request failed", slog.String("op", op), slog.String("error", err.Error()))
		return 0, apperr.Wrap(apperr.KindNetwork, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range accepted {
		if resp.StatusCode == code {
			return resp.StatusCode, nil
		}
	}
	c.logger.Error("listclient: unexpected status", slog.String("op", op), slog.Int("status", resp.StatusCode))
	return resp.StatusCode, apperr.WithCode(apperr.KindServer, "failed to "+op, resp.StatusCode)
}

// read GETs path and decodes a 200 body into dest. Transport and decode
// failures are reported as statusUnavailable rather than as errors.
func (c *Client) read(ctx context.Context, path string, query url.Values, dest any, op string) (int, error) {
	base, err := c.ResolveAddress()
	if err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, http.MethodGet, base, path, query, nil)
	if err != nil {
		c.logger.Error("listclient: request failed", slog.String("op", op), slog.String("error", err.Error()))
		return statusUnavailable, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("listclient: unexpected status", slog.String("op", op), slog.Int("status", resp.StatusCode))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		c.logger.Error("listclient: decode response", slog.String("op", op), slog.String("error", err.Error()))
		return statusUnavailable, nil
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, base, path string, query url.Values, body []byte) (*http.Response, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}
