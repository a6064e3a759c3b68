package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robinfolio/lotsync/internal/model"
)

const (
	// DefaultBaseURL is the public brokerage API.
	DefaultBaseURL = "https://api.robinhood.com"

	// internalHost appears in pagination links handed out by the API and
	// is not reachable from outside.
	internalHost = "http://loadbalancer-brokeback.nginx.service.robinhood"

	// maxPages bounds a single listing against a server that never stops
	// returning next links.
	maxPages = 10_000
)

// Client talks to the brokerage HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for page fetches.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client. An empty baseURL means DefaultBaseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type instrumentBody struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	SimpleName string `json:"simple_name"`
	Name       string `json:"name"`
}

func (b instrumentBody) instrument() model.Instrument {
	name := b.SimpleName
	if name == "" {
		name = b.Name
	}
	return model.Instrument{ID: b.ID, Symbol: strings.ToUpper(b.Symbol), Name: name}
}

func (c *Client) InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var page struct {
		Results []instrumentBody `json:"results"`
	}
	u := c.baseURL + "/instruments/?symbol=" + url.QueryEscape(symbol)
	if err := c.get(ctx, u, &page); err != nil {
		return model.Instrument{}, err
	}
	if len(page.Results) == 0 {
		return model.Instrument{}, fmt.Errorf("%w: symbol %s", ErrUnknownInstrument, symbol)
	}
	return page.Results[0].instrument(), nil
}

func (c *Client) Instrument(ctx context.Context, id string) (model.Instrument, error) {
	var body instrumentBody
	if err := c.get(ctx, c.baseURL+"/instruments/"+url.PathEscape(id)+"/", &body); err != nil {
		return model.Instrument{}, err
	}
	if body.ID == "" {
		body.ID = id
	}
	return body.instrument(), nil
}

// ListOrders walks the order history following next links. Only orders
// for instrumentID are kept; side and state filtering is left to the
// normalizer so that it can account for what it drops.
func (c *Client) ListOrders(ctx context.Context, instrumentID string) ([]model.RawOrder, error) {
	next := c.baseURL + "/orders/"
	if instrumentID != "" {
		next += "?instrument_id=" + url.QueryEscape(instrumentID)
	}

	var out []model.RawOrder
	for pages := 0; next != ""; pages++ {
		if pages == maxPages {
			return nil, fmt.Errorf("broker: order history exceeds %d pages", maxPages)
		}
		var page struct {
			Results []model.RawOrder `json:"results"`
			Next    *string          `json:"next"`
		}
		if err := c.get(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		for _, o := range page.Results {
			if matchesInstrument(o, instrumentID) {
				out = append(out, o)
			}
		}
		next = ""
		if page.Next != nil {
			next = c.rewrite(*page.Next)
		}
		c.logger.Debug("fetched order page", "page", pages+1, "orders", len(page.Results), "more", next != "")
	}
	return out, nil
}

// rewrite points internal pagination links at the configured base URL.
func (c *Client) rewrite(link string) string {
	if strings.HasPrefix(link, internalHost) {
		return c.baseURL + strings.TrimPrefix(link, internalHost)
	}
	return link
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Status:     resp.StatusCode,
			URL:        u,
			Body:       strings.TrimSpace(string(body)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}
