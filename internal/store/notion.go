package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultNotionURL     = "https://api.notion.com/v1"
	DefaultNotionVersion = "2022-06-28"
	notionPageSize       = 100
)

// NotionConfig configures a NotionStore. Databases maps collection names
// to database ids; Icons optionally maps collection names to an external
// icon URL set on created pages.
type NotionConfig struct {
	BaseURL   string
	Token     string
	Version   string
	Databases map[string]string
	Icons     map[string]string
	Client    *http.Client
}

// NotionStore implements Store against a Notion-style pages API. Each
// collection is one database. Calls are not retried here; callers wrap
// them with the retry package, which understands *APIError.
type NotionStore struct {
	baseURL   string
	token     string
	version   string
	databases map[string]string
	icons     map[string]string
	http      *http.Client

	mu      sync.Mutex
	schemas map[string]Schema
}

// NewNotionStore creates a client. Missing BaseURL, Version and Client
// take defaults.
func NewNotionStore(cfg NotionConfig) *NotionStore {
	s := &NotionStore{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		version:   cfg.Version,
		databases: cfg.Databases,
		icons:     cfg.Icons,
		http:      cfg.Client,
		schemas:   make(map[string]Schema),
	}
	if s.baseURL == "" {
		s.baseURL = DefaultNotionURL
	}
	if s.version == "" {
		s.version = DefaultNotionVersion
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: 30 * time.Second}
	}
	return s
}

type notionPage struct {
	ID          string    `json:"id"`
	CreatedTime time.Time `json:"created_time"`
	Parent      struct {
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor *string      `json:"next_cursor"`
}

func (s *NotionStore) database(collection string) (string, error) {
	id, ok := s.databases[collection]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: collection %s has no database id", ErrNotFound, collection)
	}
	return id, nil
}

func (s *NotionStore) collectionOf(databaseID string) string {
	norm := func(id string) string { return strings.ReplaceAll(id, "-", "") }
	for name, id := range s.databases {
		if norm(id) == norm(databaseID) {
			return name
		}
	}
	return ""
}

func (s *NotionStore) Schema(ctx context.Context, collection string) (Schema, error) {
	s.mu.Lock()
	cached, ok := s.schemas[collection]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	dbID, err := s.database(collection)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := s.do(ctx, http.MethodGet, "/databases/"+dbID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get schema %s: %w", collection, err)
	}
	schema := make(Schema, len(resp.Properties))
	for name, p := range resp.Properties {
		schema[name] = PropertyType(p.Type)
	}

	s.mu.Lock()
	s.schemas[collection] = schema
	s.mu.Unlock()
	return schema, nil
}

func (s *NotionStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	dbID, err := s.database(collection)
	if err != nil {
		return nil, err
	}
	var encoded any
	if len(filter.And) > 0 {
		schema, err := s.Schema(ctx, collection)
		if err != nil {
			return nil, err
		}
		if encoded, err = encodeFilter(schema, filter); err != nil {
			return nil, err
		}
	}

	var out []Record
	var cursor string
	for {
		body := map[string]any{"page_size": notionPageSize}
		if encoded != nil {
			body["filter"] = encoded
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp notionQueryResponse
		if err := s.do(ctx, http.MethodPost, "/databases/"+dbID+"/query", body, &resp); err != nil {
			return nil, fmt.Errorf("query %s: %w", collection, err)
		}
		for _, page := range resp.Results {
			r, err := s.record(page, collection)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return out, nil
		}
		cursor = *resp.NextCursor
	}
}

func (s *NotionStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	dbID, err := s.database(collection)
	if err != nil {
		return "", err
	}
	props, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"parent":     map[string]any{"database_id": dbID},
		"properties": props,
	}
	if icon := s.icons[collection]; icon != "" {
		body["icon"] = map[string]any{"type": "external", "external": map[string]any{"url": icon}}
	}
	var page notionPage
	if err := s.do(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return "", fmt.Errorf("create in %s: %w", collection, err)
	}
	return page.ID, nil
}

func (s *NotionStore) Update(ctx context.Context, id string, fields Fields) (string, error) {
	props, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}
	var page notionPage
	if err := s.do(ctx, http.MethodPatch, "/pages/"+id, map[string]any{"properties": props}, &page); err != nil {
		return "", fmt.Errorf("update %s: %w", id, err)
	}
	return page.ID, nil
}

func (s *NotionStore) record(page notionPage, collection string) (Record, error) {
	fields, err := DecodeFields(page.Properties)
	if err != nil {
		return Record{}, fmt.Errorf("decode page %s: %w", page.ID, err)
	}
	if c := s.collectionOf(page.Parent.DatabaseID); c != "" {
		collection = c
	}
	return Record{ID: page.ID, Collection: collection, CreatedAt: page.CreatedTime, Fields: fields}, nil
}

func (s *NotionStore) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Notion-Version", s.version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

// encodeFilter renders a filter in the database query shape. Property
// types come from the schema; formula and rollup properties nest the
// comparison under the kind of the compared value.
func encodeFilter(schema Schema, filter Filter) (any, error) {
	parts := make([]map[string]any, 0, len(filter.And))
	for _, p := range filter.And {
		typ, ok := schema[p.Property]
		if !ok {
			return nil, fmt.Errorf("%w: filter on unknown property %q", ErrValidation, p.Property)
		}
		var operand any
		switch p.Value.Type {
		case TypeNumber:
			operand = json.Number(p.Value.Number.String())
		case TypeDate:
			operand = formatDate(p.Value.Date)
		case TypeRelation:
			if len(p.Value.Relation) != 1 {
				return nil, fmt.Errorf("%w: relation filter on %q needs exactly one id", ErrValidation, p.Property)
			}
			operand = p.Value.Relation[0]
		default:
			operand = p.Value.Text
		}
		cond := map[string]any{string(p.Op): operand}

		part := map[string]any{"property": p.Property}
		if typ.Derived() {
			kind := "string"
			switch p.Value.Type {
			case TypeNumber:
				kind = "number"
			case TypeDate:
				kind = "date"
			}
			part[string(typ)] = map[string]any{kind: cond}
		} else {
			part[string(typ)] = cond
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return map[string]any{"and": parts}, nil
}
