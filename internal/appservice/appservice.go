// internal/appservice/appservice.go
package appservice

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the service can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Service is the application-database façade: users, apps, screenshots and
// deployments are reached only through it.
type Service struct {
	pool DBPool
	log  *zap.Logger
}

// New creates the service and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Service, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Service{pool: pool, log: logger.Named("app_service")}, nil
}

// Connect opens a pool from a DSN and wraps it in a Service.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Service, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return New(ctx, pool, logger)
}

// CreateApp records a new generated app for a user.
func (s *Service) CreateApp(ctx context.Context, userID, agentID, title, templateName string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO apps (id, user_id, title, template_name, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title;
    `, agentID, userID, title, templateName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert app: %w", err)
	}
	return nil
}

// UpdateAppScreenshot stores the latest screenshot pointer for an app.
func (s *Service) UpdateAppScreenshot(ctx context.Context, agentID, screenshotURL string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE apps SET screenshot_url = $2, screenshot_updated_at = $3 WHERE id = $1;
    `, agentID, screenshotURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update screenshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("app %s not found", agentID)
	}
	return nil
}

// UpdateAppName renames an app.
func (s *Service) UpdateAppName(ctx context.Context, agentID, name string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE apps SET project_name = $2 WHERE id = $1;
    `, agentID, name)
	if err != nil {
		return fmt.Errorf("failed to update app name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("app %s not found", agentID)
	}
	return nil
}

// RecordDeployment appends one deployment row for an app.
func (s *Service) RecordDeployment(ctx context.Context, agentID, previewURL string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO deployments (app_id, preview_url, deployed_at) VALUES ($1, $2, $3);
    `, agentID, previewURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	return nil
}

// IsAppOwner reports whether the user owns the app; used by the owner-only
// authentication mode.
func (s *Service) IsAppOwner(ctx context.Context, userID, agentID string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM apps WHERE id = $1 AND user_id = $2;
    `, agentID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check ownership: %w", err)
	}
	return count > 0, nil
}
