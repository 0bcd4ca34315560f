package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/supervisor/internal/config"
	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/persistence"
	"github.com/aristath/supervisor/internal/redisstore"
	"github.com/aristath/supervisor/internal/scheduler"
)

// TaskJournal records task state changes.
type TaskJournal interface {
	SaveTask(ctx context.Context, task *scheduler.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, result string, taskErr error) error
}

// Storage bundles the failover store with an optional task journal.
type Storage struct {
	State   failover.Store
	Journal TaskJournal // nil when the driver keeps no task history

	close func() error
}

// NewMemoryStorage returns process-local storage with no task journal.
func NewMemoryStorage() *Storage {
	return &Storage{State: failover.NewMemoryStore()}
}

// OpenStorage opens the store selected by cfg.Driver.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStorage(), nil

	case config.DriverSQLite:
		db, err := persistence.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return &Storage{State: db, Journal: db, close: db.Close}, nil

	case config.DriverRedis:
		rs, err := redisstore.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis storage: %w", err)
		}
		return &Storage{State: rs, close: rs.Close}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Close releases the underlying connection, if any.
func (s *Storage) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}
