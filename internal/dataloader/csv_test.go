package dataloader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/dataloader"
	"fenrir/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCSVParsesTradeRows(t *testing.T) {
	path := writeCSV(t, `kind,time,exchange,symbol,price,qty,takerSide
trade,2024-01-01T00:00:00Z,binance,BTC-PERP,42000.5,0.1,buy
trade,2024-01-01T00:00:01Z,binance,BTC-PERP,42001,0.2,sell
`)
	events, err := dataloader.LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, types.EventTrade, events[0].Kind)
	assert.Equal(t, "binance", events[0].Exchange)
	assert.Equal(t, "BTC-PERP", events[0].Symbol)
	assert.True(t, events[0].Trade.Price.Equal(d("42000.5")))
	assert.Equal(t, types.Buy, events[0].Trade.TakerSide)
	assert.Equal(t, types.Sell, events[1].Trade.TakerSide)
}

func TestLoadCSVParsesDepthRows(t *testing.T) {
	path := writeCSV(t, `kind,time,exchange,symbol,bidPrice,bidSize,askPrice,askSize,isSnapshot
depth,1700000000000,binance,BTC-PERP,100,5,101,3,true
`)
	events, err := dataloader.LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, types.EventDepth, events[0].Kind)
	require.Len(t, events[0].Depth.Bids, 1)
	require.Len(t, events[0].Depth.Asks, 1)
	assert.True(t, events[0].Depth.IsSnapshot)
}

func TestLoadCSVParsesFundingAndMarkPriceRows(t *testing.T) {
	path := writeCSV(t, `kind,time,exchange,symbol,price,fundingRate
funding,1700000000000,binance,BTC-PERP,42000,0.0001
markPrice,1700000001000,binance,BTC-PERP,42010,
`)
	events, err := dataloader.LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, types.EventFunding, events[0].Kind)
	assert.True(t, events[0].Funding.FundingRate.Equal(d("0.0001")))
	assert.Equal(t, types.EventMarkPrice, events[1].Kind)
	assert.True(t, events[1].MarkPrice.MarkPrice.Equal(d("42010")))
}

func TestLoadCSVSortsByTimestampAcrossKinds(t *testing.T) {
	path := writeCSV(t, `kind,time,exchange,symbol,price,qty,takerSide
trade,1700000002000,binance,BTC-PERP,42002,0.1,buy
trade,1700000000000,binance,BTC-PERP,42000,0.1,buy
trade,1700000001000,binance,BTC-PERP,42001,0.1,buy
`)
	events, err := dataloader.LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, int64(1700000000000), events[0].Timestamp)
	assert.Equal(t, int64(1700000001000), events[1].Timestamp)
	assert.Equal(t, int64(1700000002000), events[2].Timestamp)
	assert.Equal(t, uint64(0), events[0].Sequence)
	assert.Equal(t, uint64(1), events[1].Sequence)
	assert.Equal(t, uint64(2), events[2].Sequence)
}

func TestLoadCSVSkipsRowsWithUnparseableTimeOrUnknownKind(t *testing.T) {
	path := writeCSV(t, `kind,time,exchange,symbol,price,qty,takerSide
trade,not-a-time,binance,BTC-PERP,42000,0.1,buy
bogus,1700000000000,binance,BTC-PERP,42000,0.1,buy
trade,1700000001000,binance,BTC-PERP,42001,0.1,buy
`)
	events, err := dataloader.LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1700000001000), events[0].Timestamp)
}

func TestLoadCSVRejectsMissingFile(t *testing.T) {
	_, err := dataloader.LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
