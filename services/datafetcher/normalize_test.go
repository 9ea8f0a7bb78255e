package datafetcher

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_ohlcv_backend/models"
)

func validRow(ts time.Time, close float64) RawBar {
	return RawBar{
		Timestamp: ts,
		Values: map[string]interface{}{
			"open": close - 1, "high": close + 1, "low": close - 2, "close": close, "volume": 1000.0,
		},
	}
}

func TestNormalize_DropsInvalidRows(t *testing.T) {
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	rows := make([]RawBar, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, validRow(base.Add(time.Duration(i)*time.Hour), 100+float64(i)))
	}
	rows[3].Values["close"] = nil
	rows[7].Values["volume"] = math.NaN()

	bars, stats := NewNormalizer("").Normalize("aapl", rows)

	require.Len(t, bars, 8)
	assert.Equal(t, NormalizeStats{Input: 10, Kept: 8, Dropped: 2}, stats)
	for i, bar := range bars {
		assert.Equal(t, "AAPL", bar.Symbol)
		assert.Equal(t, models.DefaultSource, bar.Source)
		if i > 0 {
			assert.True(t, bar.Timestamp.After(bars[i-1].Timestamp), "input order is preserved")
		}
	}
	assert.Equal(t, 102.0, bars[2].Close)
	assert.Equal(t, 104.0, bars[3].Close, "row 3 was dropped")
}

func TestNormalize_CoercesAndDiscards(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.FixedZone("EST", -5*3600))
	rows := []RawBar{{
		Timestamp: ts,
		Values: map[string]interface{}{
			"Open":     json.Number("10.5"),
			"HIGH":     " 11.25 ",
			"low":      int64(10),
			"Close":    "1.1e1",
			"Volume":   json.Number("250000"),
			"adjclose": 11.0,
			"dividend": "n/a",
		},
	}}

	bars, stats := NewNormalizer("test-feed").Normalize("msft", rows)
	require.Len(t, bars, 1)
	assert.Equal(t, 0, stats.Dropped)

	bar := bars[0]
	assert.Equal(t, models.Bar{
		Symbol:    "MSFT",
		Timestamp: ts.UTC(),
		Open:      10.5,
		High:      11.25,
		Low:       10,
		Close:     11,
		Volume:    250000,
		Source:    "test-feed",
	}, bar)
	assert.Equal(t, time.UTC, bar.Timestamp.Location())
}

func TestNormalize_RejectsBadRows(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	cases := map[string]RawBar{
		"missing field":    {Timestamp: ts, Values: map[string]interface{}{"open": 1.0, "high": 1.0, "low": 1.0, "close": 1.0}},
		"non numeric":      {Timestamp: ts, Values: map[string]interface{}{"open": "abc", "high": 1.0, "low": 1.0, "close": 1.0, "volume": 1.0}},
		"infinite":         {Timestamp: ts, Values: map[string]interface{}{"open": math.Inf(1), "high": 1.0, "low": 1.0, "close": 1.0, "volume": 1.0}},
		"zero timestamp":   validRow(time.Time{}, 5),
		"unsupported type": {Timestamp: ts, Values: map[string]interface{}{"open": true, "high": 1.0, "low": 1.0, "close": 1.0, "volume": 1.0}},
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			bars, stats := NewNormalizer("").Normalize("X", []RawBar{row})
			assert.Empty(t, bars)
			assert.Equal(t, 1, stats.Dropped)
		})
	}
}

func TestNormalize_Empty(t *testing.T) {
	bars, stats := NewNormalizer("").Normalize("AAPL", nil)
	assert.NotNil(t, bars)
	assert.Empty(t, bars)
	assert.Equal(t, NormalizeStats{}, stats)
}
