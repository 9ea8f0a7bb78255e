package datafetcher

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"go_ohlcv_backend/models"
)

// barFields are the canonical value columns every stored bar must carry
var barFields = [...]string{"open", "high", "low", "close", "volume"}

// NormalizeStats counts what Normalize kept and dropped
type NormalizeStats struct {
	Input   int `json:"input"`
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// Normalizer turns provider rows into canonical bars tagged with Source
type Normalizer struct {
	Source string
}

// NewNormalizer returns a Normalizer that tags bars with source, or the default source when empty
func NewNormalizer(source string) *Normalizer {
	if source == "" {
		source = models.DefaultSource
	}
	return &Normalizer{Source: source}
}

// Normalize maps rows to bars for symbol. Rows without a timestamp or with a
// missing, NaN or non-numeric value field are dropped. Field names are matched
// case-insensitively and anything outside the canonical set is discarded.
// Output keeps input order.
func (n *Normalizer) Normalize(symbol string, rows []RawBar) ([]models.Bar, NormalizeStats) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	source := n.Source
	if source == "" {
		source = models.DefaultSource
	}

	stats := NormalizeStats{Input: len(rows)}
	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		bar, ok := normalizeRow(row)
		if !ok {
			stats.Dropped++
			continue
		}
		bar.Symbol = symbol
		bar.Source = source
		bars = append(bars, bar)
	}
	stats.Kept = len(bars)
	return bars, stats
}

func normalizeRow(row RawBar) (models.Bar, bool) {
	if row.Timestamp.IsZero() {
		return models.Bar{}, false
	}

	lowered := make(map[string]interface{}, len(row.Values))
	for k, v := range row.Values {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}

	var vals [len(barFields)]float64
	for i, field := range barFields {
		raw, present := lowered[field]
		if !present {
			return models.Bar{}, false
		}
		f, ok := toFloat(raw)
		if !ok {
			return models.Bar{}, false
		}
		vals[i] = f
	}

	return models.Bar{
		Timestamp: row.Timestamp.UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, true
}

// toFloat coerces provider values to float64. Textual numbers go through decimal
// so that "1e3" and "  12.50 " parse the same way the provider meant them.
func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case decimal.Decimal:
		f = x.InexactFloat64()
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
