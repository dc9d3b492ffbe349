package persistence

import (
	"fmt"

	"grid-trading-engine/internal/models"

	"go.uber.org/zap"
)

// StateRepository defines the interface for session state persistence.
// It abstracts the underlying storage mechanism (BadgerDB, Redis, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically replaces the stored session state.
	SaveState(state *models.SessionState) error

	// LoadState loads the session state from storage.
	// If no state is found, it returns (nil, nil).
	LoadState() (*models.SessionState, error)

	// Close releases the underlying connection.
	Close() error
}

// Open returns the repository selected by cfg.Backend. "none" disables
// persistence and returns a nil repository.
func Open(cfg models.PersistenceConfig, logger *zap.Logger) (StateRepository, error) {
	switch cfg.Backend {
	case "", "badger":
		return NewBadgerRepository(cfg.DBPath)
	case "redis":
		return NewRedisRepository(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	case "none":
		logger.Warn("state persistence disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
