package models

import "time"

// Cycle triggers
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerStartup   = "startup"
)

// Per-symbol outcomes
const (
	SymbolSuccess = "success"
	SymbolSkipped = "skipped"
	SymbolError   = "error"
)

// SymbolResult records what one ingestion cycle did for one symbol
type SymbolResult struct {
	Symbol   string `json:"symbol" bson:"symbol"`
	Status   string `json:"status" bson:"status"`
	Fetched  int    `json:"fetched" bson:"fetched"`
	Dropped  int    `json:"dropped" bson:"dropped"`
	Upserted int    `json:"upserted" bson:"upserted"`
	Reason   string `json:"reason,omitempty" bson:"reason,omitempty"`
}

// CycleReport is the outcome of one fetch-normalize-upsert pass over a symbol set.
// Results keep the order the symbols were processed in.
type CycleReport struct {
	ID         string         `json:"id" bson:"_id"`
	Trigger    string         `json:"trigger" bson:"trigger"`
	Period     string         `json:"period" bson:"period"`
	Interval   string         `json:"interval" bson:"interval"`
	StartedAt  time.Time      `json:"started_at" bson:"started_at"`
	FinishedAt time.Time      `json:"finished_at" bson:"finished_at"`
	Results    []SymbolResult `json:"results" bson:"results"`
}

// Succeeded counts symbols whose bars were merged
func (r *CycleReport) Succeeded() int {
	return r.count(SymbolSuccess)
}

// Skipped counts symbols the provider had no usable rows for
func (r *CycleReport) Skipped() int {
	return r.count(SymbolSkipped)
}

// Failed counts symbols whose merge did not complete
func (r *CycleReport) Failed() int {
	return r.count(SymbolError)
}

// Upserted sums the rows merged across all symbols
func (r *CycleReport) Upserted() int {
	total := 0
	for _, res := range r.Results {
		total += res.Upserted
	}
	return total
}

// Result returns the entry for symbol, if present
func (r *CycleReport) Result(symbol string) (SymbolResult, bool) {
	for _, res := range r.Results {
		if res.Symbol == symbol {
			return res, true
		}
	}
	return SymbolResult{}, false
}

func (r *CycleReport) count(status string) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}
