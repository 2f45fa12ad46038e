// Package dataloader reads historical market data into the event model
// consumed by the priority queue (spec §6.1). Column parsing follows the
// teacher pack's loadCSV pattern (chidi150c-coinbase/backtest.go): a
// case-insensitive header map, flexible timestamp parsing, and graceful
// skipping of unparseable rows rather than failing the whole load.
package dataloader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fenrir/internal/types"
)

// LoadCSV reads a single CSV file of mixed event kinds into timestamp-
// sorted events. Recognized columns (case-insensitive, unknown columns
// ignored):
//
//	kind         trade | depth | funding | markPrice
//	time         RFC3339 or unix milliseconds
//	exchange     venue identifier
//	symbol       instrument identifier
//	price        trade price / mark price
//	qty          trade quantity
//	takerSide    buy | sell (trade only)
//	bidPrice/bidSize, askPrice/askSize   (depth, single level per row; a
//	                                      row is a snapshot only when
//	                                      isSnapshot=true, otherwise a
//	                                      delta)
//	isSnapshot   true|false (depth only, default false)
//	fundingRate  (funding only)
func LoadCSV(path string) ([]*types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataloader: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var headers []string
	var out []*types.Event
	var seq uint64

	for rowIdx := 0; ; rowIdx++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataloader: read %s row %d: %w", path, rowIdx, err)
		}
		if rowIdx == 0 {
			headers = rec
			continue
		}

		row := rowMap(headers, rec)
		e, ok := parseRow(row)
		if !ok {
			continue
		}
		e.Sequence = seq
		seq++
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	// Re-sequence after the stable sort so ties from the same source row
	// order keep their original relative order as the tie-break key.
	for i, e := range out {
		e.Sequence = uint64(i)
	}
	return out, nil
}

func rowMap(headers, rec []string) map[string]string {
	row := make(map[string]string, len(headers))
	for i, h := range headers {
		k := strings.ToLower(strings.TrimSpace(h))
		if i < len(rec) {
			row[k] = strings.TrimSpace(rec[i])
		}
	}
	return row
}

func parseRow(row map[string]string) (*types.Event, bool) {
	ts, err := parseTimeFlexible(row["time"])
	if err != nil {
		return nil, false
	}
	kind := strings.ToLower(row["kind"])
	e := &types.Event{
		Timestamp: ts,
		Exchange:  row["exchange"],
		Symbol:    row["symbol"],
	}

	switch kind {
	case "trade":
		price, ok1 := parseDecimal(row["price"])
		qty, ok2 := parseDecimal(row["qty"])
		if !ok1 || !ok2 {
			return nil, false
		}
		e.Kind = types.EventTrade
		e.Trade = &types.TradeData{Price: price, Qty: qty, TakerSide: parseSide(row["takerside"])}

	case "depth":
		e.Kind = types.EventDepth
		depth := &types.DepthData{IsSnapshot: strings.EqualFold(row["issnapshot"], "true")}
		if bp, ok := parseDecimal(row["bidprice"]); ok {
			if bs, ok := parseDecimal(row["bidsize"]); ok {
				depth.Bids = []types.PriceLevel{{Price: bp, Size: bs}}
			}
		}
		if ap, ok := parseDecimal(row["askprice"]); ok {
			if as, ok := parseDecimal(row["asksize"]); ok {
				depth.Asks = []types.PriceLevel{{Price: ap, Size: as}}
			}
		}
		e.Depth = depth

	case "funding":
		rate, ok1 := parseDecimal(row["fundingrate"])
		mark, ok2 := parseDecimal(row["price"])
		if !ok1 {
			return nil, false
		}
		if !ok2 {
			mark = decimal.Zero
		}
		e.Kind = types.EventFunding
		e.Funding = &types.FundingData{FundingRate: rate, MarkPrice: mark}

	case "markprice":
		mark, ok := parseDecimal(row["price"])
		if !ok {
			return nil, false
		}
		e.Kind = types.EventMarkPrice
		e.MarkPrice = &types.MarkPriceData{MarkPrice: mark}

	default:
		return nil, false
	}

	return e, true
}

func parseSide(s string) types.Side {
	if strings.EqualFold(s, "sell") {
		return types.Sell
	}
	return types.Buy
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func parseTimeFlexible(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	return ms, nil
}
