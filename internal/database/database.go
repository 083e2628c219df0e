// Package database handles PostgreSQL connections and queries.
//
// Go Pattern: We use the `sqlx` package which extends Go's standard `database/sql`
// with convenient features like scanning rows into structs. Unlike an ORM,
// you write raw SQL, which gives you full control over every statement.
//
// Go's database/sql has built-in connection pooling: you create one *sqlx.DB
// at startup and share it across the whole application.
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver; the underscore import runs its init()

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// Store is the persistence contract the services depend on. *DB implements
// it against Postgres; memstore implements it in memory.
type Store interface {
	HealthCheck(ctx context.Context) error

	CreateMaterial(ctx context.Context, m *models.Material) error
	GetMaterial(ctx context.Context, id string) (*models.Material, error)
	UpdateStatus(ctx context.Context, id string, status models.ProcessingStatus, progress int) error
	CompleteProcessing(ctx context.Context, id string, res models.ProcessingResult) error
	FailProcessing(ctx context.Context, id, reason, errMsg string) error
	ResetForRetry(ctx context.Context, id string) error
	UpdateSource(ctx context.Context, id, fileURL, mimeType, filename string) error
	UpdateContent(ctx context.Context, id, content string) (int, error)
	DeleteMaterial(ctx context.Context, id string) error
	ClaimUpgrade(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	SetTags(ctx context.Context, id string, tags json.RawMessage) error

	ReplaceSegments(ctx context.Context, materialID string, segs []models.DocumentSegment) error
	ListSegments(ctx context.Context, materialID string) ([]models.DocumentSegment, error)
	CountSegments(ctx context.Context, materialID string) (int, error)

	SaveQuizCache(ctx context.Context, id string, version int, data json.RawMessage) (bool, error)
	SaveFlashcardsCache(ctx context.Context, id string, version int, data json.RawMessage) (bool, error)
}

// DB wraps the sqlx database connection with our application-specific methods.
// Go Pattern: Embedding (*sqlx.DB) gives us all of sqlx's methods automatically,
// plus we can add our own.
type DB struct {
	*sqlx.DB
}

var _ Store = (*DB)(nil)

// New creates a new database connection with connection pooling configured.
func New(databaseURL string) (*DB, error) {
	// sqlx.Connect both opens the connection and pings the database
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	return &DB{db}, nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}
