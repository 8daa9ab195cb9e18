// Package repository содержит хранилище истории заказов в PostgreSQL.
// История разделяется между рабочими местами; хранилище опционально и
// подключается только при заданном адресе БД.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/kirillbelykh/kontur-api/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound возвращается, если запись истории не найдена.
var ErrNotFound = errors.New("history entry not found")

// Entry — запись истории по одному заказу, дедуплицируется по
// идентификатору документа вендора.
type Entry struct {
	DocumentID     string
	OrderName      string
	GTIN           string
	Quantity       int
	State          model.OrderState
	ArtifactPath   string
	IntroductionID string
	Error          string
	UpdatedAt      time.Time
}

// PostgresHistory предоставляет доступ к истории заказов в PostgreSQL.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

// NewPostgresHistory создаёт хранилище истории и инициализирует схему БД
// через миграции.
func NewPostgresHistory(dsn string) (*PostgresHistory, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	h := &PostgresHistory{pool: pool}

	if err := h.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return h, nil
}

func (h *PostgresHistory) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(h.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (h *PostgresHistory) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (h *PostgresHistory) Close() error {
	h.pool.Close()
	return nil
}

// SaveRecord сохраняет актуальное состояние заказа в историю. Повторное
// сохранение того же документа обновляет существующую запись.
func (h *PostgresHistory) SaveRecord(ctx context.Context, rec model.OrderRecord) error {
	if rec.RemoteID == "" {
		return errors.New("save history: record has no remote document id")
	}

	return h.withRetry(ctx, func() error {
		_, err := h.pool.Exec(ctx,
			`INSERT INTO order_history
			    (document_id, order_name, gtin, quantity, state, artifact_path, introduction_id, error, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (document_id) DO UPDATE SET
			    state = EXCLUDED.state,
			    artifact_path = EXCLUDED.artifact_path,
			    introduction_id = EXCLUDED.introduction_id,
			    error = EXCLUDED.error,
			    updated_at = now()`,
			rec.RemoteID, rec.Spec.OrderName, rec.Spec.GTIN, rec.Spec.Quantity,
			string(rec.State), rec.ArtifactPath, rec.IntroductionID, rec.Error,
		)
		if err != nil {
			return fmt.Errorf("save history: %w", err)
		}
		return nil
	})
}

// GetByDocumentID возвращает запись истории по идентификатору документа.
func (h *PostgresHistory) GetByDocumentID(ctx context.Context, documentID string) (*Entry, error) {
	row := h.pool.QueryRow(ctx,
		`SELECT document_id, order_name, gtin, quantity, state, artifact_path, introduction_id, error, updated_at
		 FROM order_history WHERE document_id = $1`,
		documentID,
	)

	var e Entry
	err := row.Scan(&e.DocumentID, &e.OrderName, &e.GTIN, &e.Quantity, &e.State,
		&e.ArtifactPath, &e.IntroductionID, &e.Error, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return nil, fmt.Errorf("get history entry: %w", err)
	}

	return &e, nil
}

// ListRecent возвращает последние записи истории, новые первыми.
func (h *PostgresHistory) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := h.pool.Query(ctx,
		`SELECT document_id, order_name, gtin, quantity, state, artifact_path, introduction_id, error, updated_at
		 FROM order_history ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.DocumentID, &e.OrderName, &e.GTIN, &e.Quantity, &e.State,
			&e.ArtifactPath, &e.IntroductionID, &e.Error, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	return out, nil
}
