package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tternquist/hotboard/internal/store"
)

const articleColumns = `id, owner_id, title, status, like_count, favorite_count, comment_count, view_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*store.Article, error) {
	var a store.Article
	var status string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Title, &status, &a.LikeCount, &a.FavoriteCount, &a.CommentCount, &a.ViewCount, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = store.Status(status)
	return &a, nil
}

// CreateArticle inserts an article and returns its id.
func (s *Store) CreateArticle(ctx context.Context, ownerID int64, title string, status store.Status) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO articles (owner_id, title, status, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		ownerID, title, string(status), s.now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("CreateArticle: %w", err)
	}
	return id, nil
}

// SetStatus changes an article's publication status.
func (s *Store) SetStatus(ctx context.Context, id int64, status store.Status) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE articles SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("SetStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteArticle removes an article and, through cascades, its interactions.
func (s *Store) DeleteArticle(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM articles WHERE id = ?`), id); err != nil {
		return fmt.Errorf("DeleteArticle: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*store.Article, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+articleColumns+` FROM articles WHERE id = ?`), id)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return a, nil
}

func (s *Store) BatchGet(ctx context.Context, ids []int64) (map[int64]*store.Article, error) {
	out := make(map[int64]*store.Article, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+articleColumns+` FROM articles WHERE id IN (`+placeholders(len(ids))+`)`), int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("BatchGet: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("BatchGet scan: %w", err)
		}
		out[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("BatchGet rows: %w", err)
	}
	return out, nil
}

func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM articles WHERE id = ? AND status = ?`), id, string(store.StatusPublished)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Exists: %w", err)
	}
	return true, nil
}

func (s *Store) BatchExists(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := append(int64Args(ids), string(store.StatusPublished))
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id FROM articles WHERE id IN (`+placeholders(len(ids))+`) AND status = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("BatchExists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("BatchExists scan: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("BatchExists rows: %w", err)
	}
	return out, nil
}

func (s *Store) ListPublishedIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id FROM articles WHERE status = ? ORDER BY id`), string(store.StatusPublished))
	if err != nil {
		return nil, fmt.Errorf("ListPublishedIDs: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ListPublishedIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPublishedIDs rows: %w", err)
	}
	return ids, nil
}
