package models

import (
	"time"

	"gorm.io/gorm"
)

// DefaultSource tags bars fetched from the Yahoo Finance chart API
const DefaultSource = "yahoo"

// Bar represents one OHLCV bar of an instrument, keyed by (symbol, ts)
type Bar struct {
	Symbol    string    `gorm:"primaryKey;type:varchar(32);not null" json:"symbol"`
	Timestamp time.Time `gorm:"column:ts;primaryKey;not null" json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Source    string    `gorm:"type:varchar(64)" json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across gorm naming strategies
func (Bar) TableName() string {
	return "ohlcv"
}

// BarColumns lists the persisted columns in the order the merge statement uses
var BarColumns = []string{
	"symbol", "ts", "open", "high", "low", "close", "volume", "source", "created_at", "updated_at",
}

// MigrateBarModels runs database migrations for bar storage
func MigrateBarModels(db *gorm.DB) error {
	return db.AutoMigrate(&Bar{})
}
