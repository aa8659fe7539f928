package db

import (
	"go.uber.org/zap"
)

// Repository is the persistence collaborator for the delivery engine.
// Methods are grouped by table across announcements.go, preferences.go,
// tokens.go and deliveries.go.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository over the pool.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}
