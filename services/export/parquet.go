package export

import (
	"io"

	"github.com/parquet-go/parquet-go"

	"go_ohlcv_backend/models"
)

// ContentType is the media type of WriteParquet output
const ContentType = "application/vnd.apache.parquet"

// BarRow is the parquet layout of a stored bar. Timestamp is epoch milliseconds.
type BarRow struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"t"`
	Open      float64 `parquet:"o"`
	High      float64 `parquet:"h"`
	Low       float64 `parquet:"l"`
	Close     float64 `parquet:"c"`
	Volume    float64 `parquet:"v"`
	Source    string  `parquet:"source,optional"`
}

// WriteParquet encodes bars as a single parquet file
func WriteParquet(w io.Writer, bars []models.Bar) error {
	rows := make([]BarRow, len(bars))
	for i, b := range bars {
		rows[i] = BarRow{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Source:    b.Source,
		}
	}
	return parquet.Write(w, rows)
}
