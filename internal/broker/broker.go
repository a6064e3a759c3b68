// Package broker reads order history and instrument metadata from the
// brokerage, either over its HTTP API or from an exported JSON file.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robinfolio/lotsync/internal/model"
)

// ErrUnknownInstrument is returned when a symbol or id resolves to nothing.
var ErrUnknownInstrument = errors.New("broker: unknown instrument")

// Source supplies instruments and raw orders to the syncer.
type Source interface {
	// InstrumentBySymbol resolves a ticker symbol (any case).
	InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error)

	// Instrument resolves an instrument id.
	Instrument(ctx context.Context, id string) (model.Instrument, error)

	// ListOrders returns every order for an instrument, unfiltered by side
	// or state. An empty instrumentID lists orders for all instruments.
	ListOrders(ctx context.Context, instrumentID string) ([]model.RawOrder, error)
}

// StatusError is a non-2xx brokerage response.
type StatusError struct {
	Status     int
	URL        string
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker: %s returned %d: %s", e.URL, e.Status, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RetryAfter is the server-requested delay, if any.
func (e *StatusError) RetryAfter() time.Duration { return e.retryAfter }

func (e *StatusError) Is(target error) bool {
	return target == ErrUnknownInstrument && e.Status == http.StatusNotFound
}

// matchesInstrument reports whether a raw order belongs to instrumentID,
// by its instrument_id field or its instrument URL.
func matchesInstrument(o model.RawOrder, instrumentID string) bool {
	if instrumentID == "" {
		return true
	}
	if id, ok := o["instrument_id"].(string); ok && id == instrumentID {
		return true
	}
	if u, ok := o["instrument"].(string); ok {
		u = strings.TrimRight(u, "/")
		return u[strings.LastIndex(u, "/")+1:] == instrumentID
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if sec, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 0
}
