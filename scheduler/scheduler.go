package scheduler

// Package scheduler drives OHLCV ingestion cycles. It handles:
// - The daily recurring cycle over the configured symbol set
// - On-demand cycles over caller-supplied symbols
// - The optional startup cycle
// - Per-symbol cycle reports, optionally archived
//
// The main scheduler is implemented in jobs.go
