package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/robinfolio/lotsync/internal/broker"
)

func TestClient_ListOrdersFollowsNextLinks(t *testing.T) {
	var authHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		switch r.URL.Query().Get("cursor") {
		case "":
			// The API hands out internal load-balancer links.
			fmt.Fprint(w, `{"next":"http://loadbalancer-brokeback.nginx.service.robinhood/orders/?cursor=2","results":[
				{"id":"o1","instrument_id":"abt","side":"buy","state":"filled","cumulative_quantity":"10.00000000"},
				{"id":"o2","instrument_id":"xyz","side":"buy","state":"filled","cumulative_quantity":"1"}]}`)
		case "2":
			fmt.Fprint(w, `{"next":null,"results":[
				{"id":"o3","instrument":"https://api.example.com/instruments/abt/","side":"sell","state":"filled","cumulative_quantity":2.5}]}`)
		}
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, "tok")
	orders, err := c.ListOrders(context.Background(), "abt")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 || orders[0]["id"] != "o1" || orders[1]["id"] != "o3" {
		t.Fatalf("orders = %v", orders)
	}
	if n, ok := orders[1]["cumulative_quantity"].(json.Number); !ok || n.String() != "2.5" {
		t.Errorf("numbers should decode as json.Number, got %T %v", orders[1]["cumulative_quantity"], orders[1]["cumulative_quantity"])
	}
	if len(authHeaders) != 2 || authHeaders[1] != "Bearer tok" {
		t.Errorf("auth headers = %v", authHeaders)
	}
}

func TestClient_InstrumentLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/instruments/" && r.URL.Query().Get("symbol") == "ABT":
			fmt.Fprint(w, `{"results":[{"id":"abt-id","symbol":"ABT","simple_name":"Abbott"}]}`)
		case r.URL.Path == "/instruments/":
			fmt.Fprint(w, `{"results":[]}`)
		case r.URL.Path == "/instruments/abt-id/":
			fmt.Fprint(w, `{"id":"abt-id","symbol":"abt","name":"Abbott Laboratories"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := broker.NewClient(srv.URL, "")
	ctx := context.Background()

	in, err := c.InstrumentBySymbol(ctx, " abt ")
	if err != nil || in.ID != "abt-id" || in.Name != "Abbott" {
		t.Errorf("by symbol = %+v, %v", in, err)
	}
	in, err = c.Instrument(ctx, "abt-id")
	if err != nil || in.Symbol != "ABT" || in.Name != "Abbott Laboratories" {
		t.Errorf("by id = %+v, %v", in, err)
	}
	if _, err := c.InstrumentBySymbol(ctx, "NOPE"); !errors.Is(err, broker.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	if _, err := c.Instrument(ctx, "missing"); !errors.Is(err, broker.ErrUnknownInstrument) {
		t.Errorf("expected 404 to match ErrUnknownInstrument, got %v", err)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"detail":"slow down"}`)
	}))
	defer srv.Close()

	_, err := broker.NewClient(srv.URL, "").ListOrders(context.Background(), "")
	var se *broker.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if !se.Temporary() || se.RetryAfter() != 3*time.Second || !strings.Contains(se.Body, "slow down") {
		t.Errorf("status error = %+v", se)
	}
}

func TestFileSource(t *testing.T) {
	f, err := broker.ParseFile([]byte(`{
		"instruments": [{"id": "abt-id", "symbol": "abt", "name": "Abbott"}],
		"orders": [
			{"id": "o1", "instrument_id": "abt-id", "average_price": 12.5},
			{"id": "o2", "instrument_id": "other"}
		]}`))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	in, err := f.InstrumentBySymbol(ctx, "ABT")
	if err != nil || in.ID != "abt-id" {
		t.Fatalf("instrument = %+v, %v", in, err)
	}
	orders, _ := f.ListOrders(ctx, in.ID)
	if len(orders) != 1 || orders[0]["id"] != "o1" {
		t.Errorf("orders = %v", orders)
	}
	if _, ok := orders[0]["average_price"].(json.Number); !ok {
		t.Errorf("price decoded as %T", orders[0]["average_price"])
	}
	all, _ := f.ListOrders(ctx, "")
	if len(all) != 2 {
		t.Errorf("unfiltered orders = %d, want 2", len(all))
	}
	if got := f.Symbols(); len(got) != 1 || got[0] != "ABT" {
		t.Errorf("symbols = %v", got)
	}
	if _, err := f.Instrument(ctx, "nope"); !errors.Is(err, broker.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}
