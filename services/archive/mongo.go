package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go_ohlcv_backend/models"
)

// CycleReportCollection holds one document per ingestion cycle
const CycleReportCollection = "cycle_reports"

// CycleArchive persists ingestion cycle reports to MongoDB
type CycleArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials uri, verifies it with a ping and prepares the report collection
func Connect(ctx context.Context, uri, database string) (*CycleArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	a := &CycleArchive{
		client:     client,
		collection: client.Database(database).Collection(CycleReportCollection),
	}

	_, err = a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: -1}},
	})
	if err != nil {
		slog.Warn("failed to create cycle report index", "error", err)
	}

	slog.Info("mongodb cycle archive connected", "database", database)
	return a, nil
}

// SaveCycleReport stores report keyed by its ID, replacing an earlier copy
func (a *CycleArchive) SaveCycleReport(ctx context.Context, report *models.CycleReport) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": report.ID}, report, opts); err != nil {
		return fmt.Errorf("failed to save cycle report %s: %w", report.ID, err)
	}
	return nil
}

// RecentReports returns up to limit reports, newest first
func (a *CycleArchive) RecentReports(ctx context.Context, limit int) ([]models.CycleReport, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := a.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle reports: %w", err)
	}
	defer cursor.Close(ctx)

	reports := []models.CycleReport{}
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode cycle reports: %w", err)
	}
	return reports, nil
}

// Close disconnects the client
func (a *CycleArchive) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}
