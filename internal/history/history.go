// Package history records orchestration telemetry (sandbox lifecycle
// events and command executions) in SQLite via GORM. Sandbox contents
// stay ephemeral; only what the server did is persisted.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode for concurrent reads.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	sbx "github.com/domibies/dotbox/internal/sandbox"
)

// SandboxEventModel is one lifecycle transition.
type SandboxEventModel struct {
	ID            uuid.UUID `gorm:"type:text;primaryKey"`
	Event         string    `gorm:"index;not null"` // "created", "released"
	SandboxID     string    `gorm:"index;not null"`
	ProjectID     string    `gorm:"index;not null"`
	DotnetVersion string
	ContainerName string
	CreatedAt     time.Time `gorm:"index"`
}

func (SandboxEventModel) TableName() string { return "sandbox_events" }

// ExecutionModel is one command run inside a sandbox.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:text;primaryKey"`
	ProjectID  string    `gorm:"index;not null"`
	Command    string
	ExitCode   int
	DurationMS int64
	TimedOut   bool
	Truncated  bool
	CreatedAt  time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }

// Store is the SQLite-backed history recorder. It implements
// sandbox.EventSink; recording failures are logged and swallowed so
// telemetry never breaks an operation.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or opens) the history database at path.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	slogger.Info("history store opened", slog.String("path", path))
	return &Store{db: db, logger: slogger}, nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&SandboxEventModel{},
		&ExecutionModel{},
	)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SandboxEvent records a lifecycle transition.
func (s *Store) SandboxEvent(ctx context.Context, event string, rec *sbx.Record) {
	m := &SandboxEventModel{
		ID:            uuid.New(),
		Event:         event,
		SandboxID:     rec.ID,
		ProjectID:     rec.ProjectID,
		DotnetVersion: rec.DotnetVersion,
		ContainerName: rec.ContainerName,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		s.logger.Warn("recording sandbox event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// ExecutionEvent records a command execution.
func (s *Store) ExecutionEvent(ctx context.Context, projectID, command string, res *sbx.ExecutionResult) {
	m := &ExecutionModel{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Command:    command,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		TimedOut:   res.TimedOut,
		Truncated:  res.Truncated,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		s.logger.Warn("recording execution",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
	}
}

// RecentExecutions returns the newest executions, most recent first.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]ExecutionModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ExecutionModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// EventsForProject returns a project's lifecycle history, oldest first.
func (s *Store) EventsForProject(ctx context.Context, projectID string, limit int) ([]SandboxEventModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []SandboxEventModel
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}
