package main

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/robinfolio/lotsync/internal/syncer"
)

const testOrders = `{
  "instruments": [
    {"id": "abt-id", "symbol": "ABT"},
    {"id": "msft-id", "symbol": "MSFT"}
  ],
  "orders": [
    {"id": "b1", "instrument_id": "abt-id", "side": "buy", "state": "filled",
     "last_transaction_at": "2021-03-01T15:30:00Z", "cumulative_quantity": "4", "average_price": "10", "fees": "0"},
    {"id": "s1", "instrument_id": "abt-id", "side": "sell", "state": "filled",
     "last_transaction_at": "2021-03-02T15:30:00Z", "cumulative_quantity": "1", "average_price": "12", "fees": "0.01"}
  ]
}`

func setupWorkdir(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
	if err := os.WriteFile("orders.json", []byte(testOrders), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOTSYNC_STORE", "memory")
	t.Setenv("ORDERS_FILE", "orders.json")
	t.Setenv("SYMBOLS", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "error")
}

func TestOpenApp_FileSourceAndMemoryStore(t *testing.T) {
	setupWorkdir(t)
	ctx := context.Background()

	a, err := openApp(ctx, true)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	symbols, err := a.symbols(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(symbols, ","); got != "ABT,MSFT" {
		t.Errorf("symbols from file = %s", got)
	}
	if got, _ := a.symbols([]string{"abt", "abt"}); len(got) != 1 || got[0] != "ABT" {
		t.Errorf("symbols from args = %v", got)
	}

	rep, err := a.syncer.Run(ctx, []string{"ABT"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Instruments[0].State != syncer.StateDone || rep.Failed() != 0 {
		t.Fatalf("report = %+v", rep.Instruments[0])
	}
	sum, err := a.syncer.Position(ctx, "ABT")
	if err != nil {
		t.Fatal(err)
	}
	if sum.RemainingShares.String() != "3" {
		t.Errorf("remaining = %s, want 3", sum.RemainingShares)
	}
}

func TestOpenApp_WithoutSourceNeedsNoBroker(t *testing.T) {
	setupWorkdir(t)
	t.Setenv("ORDERS_FILE", "")
	t.Setenv("RH_TOKEN", "")

	if _, err := openApp(context.Background(), true); err == nil {
		t.Fatal("expected an error without an order source")
	}
	a, err := openApp(context.Background(), false)
	if err != nil {
		t.Fatalf("openApp without source: %v", err)
	}
	defer a.Close()
	if _, err := a.symbols(nil); err == nil {
		t.Error("expected an error with no symbols configured")
	}
}

func TestOpenApp_BoltStore(t *testing.T) {
	setupWorkdir(t)
	t.Setenv("LOTSYNC_STORE", "bolt")
	t.Setenv("BOLT_PATH", "state.db")

	a, err := openApp(context.Background(), true)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	if _, err := a.syncer.Run(context.Background(), []string{"ABT"}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	// A second process sees the synced position.
	b, err := openApp(context.Background(), false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	sum, err := b.syncer.Position(context.Background(), "ABT")
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Lots) != 1 || sum.Lots[0].RemainingQuantity.String() != "3" {
		t.Errorf("lots = %+v", sum.Lots)
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
