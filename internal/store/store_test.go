package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var ordersSchema = Schema{
	"Order":     TypeTitle,
	"Type":      TypeSelect,
	"Shares":    TypeNumber,
	"Remaining": TypeNumber,
	"Date":      TypeDate,
	"Stock":     TypeRelation,
	"Note":      TypeRichText,
	"Current":   TypeFormula,
}

func seed(t *testing.T, s interface {
	Store
	Definer
}) (buyA, buyB, sell string) {
	t.Helper()
	ctx := context.Background()
	if err := s.Define(ctx, "orders", ordersSchema); err != nil {
		t.Fatal(err)
	}
	mk := func(title, side, shares, remaining, stock string) string {
		id, err := s.Create(ctx, "orders", Fields{
			"Order":     Title(title),
			"Type":      Select(side),
			"Shares":    Number(d(shares)),
			"Remaining": Number(d(remaining)),
			"Date":      Date(time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC)),
			"Stock":     Relation(stock),
		})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		return id
	}
	buyA = mk("A", "BUY", "10", "0", "stock-1")
	buyB = mk("B", "BUY", "10", "5", "stock-1")
	sell = mk("S", "SELL", "15", "0", "stock-1")
	mk("C", "BUY", "3", "3", "stock-2")
	return buyA, buyB, sell
}

func openLots(t *testing.T, s Store) []Record {
	t.Helper()
	recs, err := s.Query(context.Background(), "orders", Where(
		Contains("Stock", "stock-1"),
		Equals("Type", Select("BUY")),
		GreaterThan("Remaining", Number(decimal.Zero)),
	))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return recs
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	s := NewMemoryStore()
	_, buyB, _ := seed(t, s)

	recs := openLots(t, s)
	if len(recs) != 1 || recs[0].ID != buyB {
		t.Fatalf("expected only lot B, got %+v", recs)
	}
	if n, ok := recs[0].Number("Remaining"); !ok || !n.Equal(d("5")) {
		t.Errorf("remaining = %s, %v", n, ok)
	}
	if recs[0].Text("Order") != "B" {
		t.Errorf("title = %q", recs[0].Text("Order"))
	}

	all, _ := s.Query(context.Background(), "orders", Filter{})
	if len(all) != 4 {
		t.Errorf("zero filter returned %d records, want 4", len(all))
	}
}

func TestMemoryStore_UpdateMergesFields(t *testing.T) {
	s := NewMemoryStore()
	_, buyB, _ := seed(t, s)
	ctx := context.Background()

	if _, err := s.Update(ctx, buyB, Fields{"Remaining": Number(decimal.Zero)}); err != nil {
		t.Fatal(err)
	}
	if recs := openLots(t, s); len(recs) != 0 {
		t.Errorf("expected no open lots, got %d", len(recs))
	}
	r, err := s.Get(ctx, buyB)
	if err != nil {
		t.Fatal(err)
	}
	if r.Text("Order") != "B" {
		t.Errorf("update dropped untouched properties: %+v", r.Fields)
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	cases := map[string]Fields{
		"unknown property": {"Nope": Number(d("1"))},
		"wrong type":       {"Shares": Text("ten")},
		"computed":         {"Current": Number(d("1"))},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Create(ctx, "orders", f); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if _, err := s.Create(ctx, "missing", Fields{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown collection, got %v", err)
	}
	if _, err := s.Update(ctx, "nope", Fields{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown record, got %v", err)
	}
}

func TestMemoryStore_QueryReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	_, buyB, _ := seed(t, s)
	recs := openLots(t, s)
	recs[0].Fields["Remaining"] = Number(d("99"))

	r, _ := s.Get(context.Background(), buyB)
	if n, _ := r.Number("Remaining"); !n.Equal(d("5")) {
		t.Errorf("caller mutation leaked into store: %s", n)
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotsync.db")
	s1, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	_, buyB, _ := seed(t, s1)
	if _, err := s1.Update(context.Background(), buyB, Fields{"Note": Text("partially sold")}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	recs := openLots(t, s2)
	if len(recs) != 1 || recs[0].ID != buyB {
		t.Fatalf("expected lot B after reopen, got %+v", recs)
	}
	if recs[0].Text("Note") != "partially sold" {
		t.Errorf("note = %q", recs[0].Text("Note"))
	}
	if got := recs[0].Relation("Stock"); len(got) != 1 || got[0] != "stock-1" {
		t.Errorf("relation = %v", got)
	}
	if dt, ok := recs[0].Date("Date"); !ok || !dt.Equal(time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v %v", dt, ok)
	}
	schema, err := s2.Schema(context.Background(), "orders")
	if err != nil || schema["Current"] != TypeFormula {
		t.Errorf("schema = %v, %v", schema, err)
	}
}

func TestCodec_EncodesPropertyShapes(t *testing.T) {
	props, err := EncodeFields(Fields{
		"Order":  Title("2021/03/01 ABT BUY 10 @ $1.0000"),
		"Shares": Number(d("0.1")),
		"Type":   Select("BUY"),
		"Stock":  Relation("abc"),
		"Date":   Date(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)),
		"When":   Date(time.Date(2021, 3, 1, 10, 0, 0, 5_000_000, time.UTC)),
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(props)
	var got map[string]json.RawMessage
	_ = json.Unmarshal(data, &got)

	want := map[string]string{
		"Order":  `{"title":[{"text":{"content":"2021/03/01 ABT BUY 10 @ $1.0000"}}]}`,
		"Shares": `{"number":0.1}`,
		"Type":   `{"select":{"name":"BUY"}}`,
		"Stock":  `{"relation":[{"id":"abc"}]}`,
		"Date":   `{"date":{"start":"2021-03-01"}}`,
		"When":   `{"date":{"start":"2021-03-01T10:00:00.005Z"}}`,
	}
	for k, w := range want {
		if string(got[k]) != w {
			t.Errorf("%s = %s, want %s", k, got[k], w)
		}
	}
	if _, err := EncodeFields(Fields{"F": {Type: TypeFormula}}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected formula writes to fail validation, got %v", err)
	}
}

func TestCodec_DecodesPageProperties(t *testing.T) {
	raw := map[string]json.RawMessage{
		"Order":   json.RawMessage(`{"id":"title","type":"title","title":[{"plain_text":"Lot ","text":{"content":"Lot "}},{"plain_text":"A"}]}`),
		"Shares":  json.RawMessage(`{"type":"number","number":12.3456789}`),
		"Fee":     json.RawMessage(`{"type":"number","number":null}`),
		"Current": json.RawMessage(`{"type":"formula","formula":{"type":"number","number":4}}`),
		"Sold":    json.RawMessage(`{"type":"rollup","rollup":{"type":"number","number":6}}`),
		"Type":    json.RawMessage(`{"type":"select","select":{"id":"x1","name":"SELL","color":"red"}}`),
		"When":    json.RawMessage(`{"type":"date","date":{"start":"2021-03-01T10:00:00.000+00:00","end":null}}`),
		"Done":    json.RawMessage(`{"type":"checkbox","checkbox":true}`),
	}
	f, err := DecodeFields(raw)
	if err != nil {
		t.Fatal(err)
	}
	r := Record{Fields: f}
	if r.Text("Order") != "Lot A" {
		t.Errorf("title = %q", r.Text("Order"))
	}
	if n, ok := r.Number("Shares"); !ok || !n.Equal(d("12.3456789")) {
		t.Errorf("shares = %s", n)
	}
	if _, ok := r.Number("Fee"); ok {
		t.Errorf("null number should be empty")
	}
	if n, ok := r.Number("Current"); !ok || !n.Equal(d("4")) || f["Current"].Type != TypeFormula {
		t.Errorf("formula = %s %v %s", n, ok, f["Current"].Type)
	}
	if n, _ := r.Number("Sold"); !n.Equal(d("6")) {
		t.Errorf("rollup = %s", n)
	}
	if r.Text("Type") != "SELL" {
		t.Errorf("select = %q", r.Text("Type"))
	}
	if _, ok := f["Done"]; ok {
		t.Errorf("unmodelled checkbox should be skipped")
	}
	if dt, _ := r.Date("When"); !dt.Equal(time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", dt)
	}
}

func TestBuildWhere(t *testing.T) {
	where, args, err := buildWhere(Where(
		Contains("Stock", "s1"),
		Equals("Type", Select("BUY")),
		GreaterThan("Remaining", Number(decimal.Zero)),
	), 2)
	if err != nil {
		t.Fatal(err)
	}
	want := ` AND (fields->$2::TEXT)->'relation' @> $3::JSONB` +
		` AND (fields->$4::TEXT)->'select'->>'name' = $5` +
		` AND ((fields->$6::TEXT)->>'number')::NUMERIC > $7::NUMERIC`
	if where != want {
		t.Errorf("where =\n%s\nwant\n%s", where, want)
	}
	if len(args) != 6 || args[1] != `[{"id":"s1"}]` || args[5] != "0" {
		t.Errorf("args = %v", args)
	}

	if _, _, err := buildWhere(Where(GreaterThan("Order", Title("x"))), 1); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unsupported filter, got %v", err)
	}
}
