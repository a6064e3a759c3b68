package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/robinfolio/lotsync/internal/model"
)

// FileSource serves instruments and orders from an exported JSON file:
//
//	{"instruments": [{"id": "...", "symbol": "ABT", "name": "Abbott"}],
//	 "orders": [{...raw order...}]}
type FileSource struct {
	instruments []model.Instrument
	orders      []model.RawOrder
}

// OpenFile loads a FileSource from path.
func OpenFile(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read orders file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile loads a FileSource from JSON. Numbers stay json.Number.
func ParseFile(data []byte) (*FileSource, error) {
	var doc struct {
		Instruments []model.Instrument `json:"instruments"`
		Orders      []model.RawOrder   `json:"orders"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode orders file: %w", err)
	}
	for i := range doc.Instruments {
		doc.Instruments[i].Symbol = strings.ToUpper(doc.Instruments[i].Symbol)
	}
	return &FileSource{instruments: doc.Instruments, orders: doc.Orders}, nil
}

func (f *FileSource) InstrumentBySymbol(_ context.Context, symbol string) (model.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, in := range f.instruments {
		if in.Symbol == symbol {
			return in, nil
		}
	}
	return model.Instrument{}, fmt.Errorf("%w: symbol %s", ErrUnknownInstrument, symbol)
}

func (f *FileSource) Instrument(_ context.Context, id string) (model.Instrument, error) {
	for _, in := range f.instruments {
		if in.ID == id {
			return in, nil
		}
	}
	return model.Instrument{}, fmt.Errorf("%w: id %s", ErrUnknownInstrument, id)
}

func (f *FileSource) ListOrders(_ context.Context, instrumentID string) ([]model.RawOrder, error) {
	var out []model.RawOrder
	for _, o := range f.orders {
		if matchesInstrument(o, instrumentID) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Symbols lists the symbols of every instrument in the file.
func (f *FileSource) Symbols() []string {
	out := make([]string, 0, len(f.instruments))
	for _, in := range f.instruments {
		out = append(out, in.Symbol)
	}
	return out
}
