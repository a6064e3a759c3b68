package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/robinfolio/lotsync/internal/store"
	"github.com/shopspring/decimal"
)

// fakeNotion records requests and serves canned responses keyed by
// "METHOD path".
type fakeNotion struct {
	mu       sync.Mutex
	requests []capturedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

type capturedRequest struct {
	Method  string
	Path    string
	Auth    string
	Version string
	Body    map[string]any
}

func newFakeNotion(t *testing.T, h func(w http.ResponseWriter, r *http.Request, body map[string]any)) (*fakeNotion, *store.NotionStore) {
	t.Helper()
	f := &fakeNotion{handler: h}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, capturedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Auth:    r.Header.Get("Authorization"),
			Version: r.Header.Get("Notion-Version"),
			Body:    body,
		})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		f.handler(w, r, body)
	}))
	t.Cleanup(srv.Close)

	s := store.NewNotionStore(store.NotionConfig{
		BaseURL:   srv.URL,
		Token:     "secret",
		Databases: map[string]string{"orders": "db-orders", "positions": "db-positions"},
		Icons:     map[string]string{"orders": "https://example.com/icon.png"},
	})
	return f, s
}

func (f *fakeNotion) last() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

const ordersDatabase = `{"id":"db-orders","properties":{
	"Order":{"type":"title"},
	"Type":{"type":"select"},
	"Remaining shares":{"type":"formula"},
	"Stock":{"type":"relation"}
}}`

func TestNotionStore_QueryPaginatesAndEncodesFilter(t *testing.T) {
	f, s := newFakeNotion(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/databases/db-orders":
			io.WriteString(w, ordersDatabase)
		case r.Method == http.MethodPost && r.URL.Path == "/databases/db-orders/query":
			if body["start_cursor"] == nil {
				io.WriteString(w, `{"results":[{"id":"p1","created_time":"2021-03-01T10:00:00.000Z","parent":{"database_id":"db-orders"},
					"properties":{"Order":{"type":"title","title":[{"plain_text":"A"}]},"Remaining shares":{"type":"formula","formula":{"type":"number","number":5}}}}],
					"has_more":true,"next_cursor":"c2"}`)
				return
			}
			io.WriteString(w, `{"results":[{"id":"p2","parent":{"database_id":"db-orders"},
				"properties":{"Order":{"type":"title","title":[{"plain_text":"B"}]}}}],"has_more":false,"next_cursor":null}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	recs, err := s.Query(context.Background(), "orders", store.Where(
		store.Contains("Stock", "pos-1"),
		store.Equals("Type", store.Select("BUY")),
		store.GreaterThan("Remaining shares", store.Number(decimal.Zero)),
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "p1" || recs[1].ID != "p2" {
		t.Fatalf("records = %+v", recs)
	}
	if n, ok := recs[0].Number("Remaining shares"); !ok || !n.Equal(decimal.NewFromInt(5)) {
		t.Errorf("formula value = %s, %v", n, ok)
	}
	if recs[0].Collection != "orders" || recs[1].Text("Order") != "B" {
		t.Errorf("unexpected decode: %+v", recs[1])
	}

	req := f.last()
	if req.Auth != "Bearer secret" || req.Version != store.DefaultNotionVersion {
		t.Errorf("headers = %q %q", req.Auth, req.Version)
	}
	if req.Body["start_cursor"] != "c2" {
		t.Errorf("second page cursor = %v", req.Body["start_cursor"])
	}

	got, _ := json.Marshal(req.Body["filter"])
	want := `{"and":[` +
		`{"property":"Stock","relation":{"contains":"pos-1"}},` +
		`{"property":"Type","select":{"equals":"BUY"}},` +
		`{"formula":{"number":{"greater_than":0}},"property":"Remaining shares"}]}`
	if string(got) != want {
		t.Errorf("filter =\n%s\nwant\n%s", got, want)
	}
}

func TestNotionStore_CreateAndUpdate(t *testing.T) {
	f, s := newFakeNotion(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		switch r.Method {
		case http.MethodPost:
			io.WriteString(w, `{"id":"new-page"}`)
		case http.MethodPatch:
			io.WriteString(w, `{"id":"new-page"}`)
		}
	})
	ctx := context.Background()

	id, err := s.Create(ctx, "orders", store.Fields{"Order": store.Title("X")})
	if err != nil || id != "new-page" {
		t.Fatalf("create = %q, %v", id, err)
	}
	req := f.last()
	if req.Path != "/pages" {
		t.Errorf("path = %s", req.Path)
	}
	parent, _ := req.Body["parent"].(map[string]any)
	if parent["database_id"] != "db-orders" {
		t.Errorf("parent = %v", req.Body["parent"])
	}
	icon, _ := json.Marshal(req.Body["icon"])
	if string(icon) != `{"external":{"url":"https://example.com/icon.png"},"type":"external"}` {
		t.Errorf("icon = %s", icon)
	}

	if _, err := s.Update(ctx, "new-page", store.Fields{"Avg unit cost": store.Number(decimal.RequireFromString("1.5"))}); err != nil {
		t.Fatal(err)
	}
	req = f.last()
	props, _ := json.Marshal(req.Body["properties"])
	if req.Method != http.MethodPatch || req.Path != "/pages/new-page" || string(props) != `{"Avg unit cost":{"number":1.5}}` {
		t.Errorf("update request = %s %s %s", req.Method, req.Path, props)
	}
}

func TestNotionStore_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		header    string
		temporary bool
		is        error
		after     time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: "2", temporary: true, after: 2 * time.Second},
		{name: "conflict", status: http.StatusConflict, temporary: true},
		{name: "server error", status: http.StatusBadGateway, temporary: true},
		{name: "validation", status: http.StatusBadRequest, is: store.ErrValidation},
		{name: "not found", status: http.StatusNotFound, is: store.ErrNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, s := newFakeNotion(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"object":"error","code":"some_code","message":"nope"}`)
			})
			_, err := s.Create(context.Background(), "orders", store.Fields{"Order": store.Title("X")})

			var apiErr *store.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Status != tc.status || apiErr.Code != "some_code" || apiErr.Message != "nope" {
				t.Errorf("error = %+v", apiErr)
			}
			if apiErr.Temporary() != tc.temporary {
				t.Errorf("Temporary() = %v, want %v", apiErr.Temporary(), tc.temporary)
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Errorf("expected errors.Is(%v)", tc.is)
			}
			if apiErr.RetryAfter() != tc.after {
				t.Errorf("RetryAfter() = %v, want %v", apiErr.RetryAfter(), tc.after)
			}
		})
	}
}

func TestNotionStore_UnknownCollection(t *testing.T) {
	_, s := newFakeNotion(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	})
	if _, err := s.Query(context.Background(), "lots", store.Filter{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
