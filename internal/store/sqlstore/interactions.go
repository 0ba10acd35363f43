package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tternquist/hotboard/internal/store"
)

// toggleTable describes a (article_id, user_id) unique interaction table and
// the counter column it maintains.
type toggleTable struct {
	table   string
	counter string
}

var (
	likes     = toggleTable{table: "article_likes", counter: "like_count"}
	favorites = toggleTable{table: "article_favorites", counter: "favorite_count"}
)

func (s *Store) Like(ctx context.Context, articleID, userID int64) (store.Receipt, error) {
	return s.add(ctx, "Like", likes, articleID, userID)
}

func (s *Store) Unlike(ctx context.Context, articleID, userID int64) (store.Receipt, error) {
	return s.remove(ctx, "Unlike", likes, articleID, userID)
}

func (s *Store) HasLiked(ctx context.Context, articleID, userID int64) (bool, error) {
	return s.has(ctx, "HasLiked", likes, articleID, userID)
}

func (s *Store) Favorite(ctx context.Context, articleID, userID int64) (store.Receipt, error) {
	return s.add(ctx, "Favorite", favorites, articleID, userID)
}

func (s *Store) Unfavorite(ctx context.Context, articleID, userID int64) (store.Receipt, error) {
	return s.remove(ctx, "Unfavorite", favorites, articleID, userID)
}

func (s *Store) HasFavorited(ctx context.Context, articleID, userID int64) (bool, error) {
	return s.has(ctx, "HasFavorited", favorites, articleID, userID)
}

// add inserts the interaction row and bumps the counter. A duplicate returns
// the existing row id with Changed=false and leaves the counter alone.
func (s *Store) add(ctx context.Context, op string, t toggleTable, articleID, userID int64) (store.Receipt, error) {
	return s.withTx(ctx, op, func(tx *sql.Tx) (store.Receipt, error) {
		receipt := store.Receipt{ArticleID: articleID, ActorID: userID}
		err := tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO `+t.table+` (article_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT (article_id, user_id) DO NOTHING RETURNING id`),
			articleID, userID, s.now(),
		).Scan(&receipt.ID)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.QueryRowContext(ctx, s.rebind(
				`SELECT id FROM `+t.table+` WHERE article_id = ? AND user_id = ?`), articleID, userID,
			).Scan(&receipt.ID); err != nil {
				return store.Receipt{}, fmt.Errorf("existing row: %w", err)
			}
			return receipt, nil
		}
		if err != nil {
			return store.Receipt{}, err
		}
		if err := s.bump(ctx, tx, t.counter, articleID, 1); err != nil {
			return store.Receipt{}, err
		}
		receipt.Changed = true
		return receipt, nil
	})
}

// remove deletes the interaction row and decrements the counter. Removing an
// absent row is a no-op with Changed=false.
func (s *Store) remove(ctx context.Context, op string, t toggleTable, articleID, userID int64) (store.Receipt, error) {
	return s.withTx(ctx, op, func(tx *sql.Tx) (store.Receipt, error) {
		receipt := store.Receipt{ArticleID: articleID, ActorID: userID}
		err := tx.QueryRowContext(ctx, s.rebind(
			`DELETE FROM `+t.table+` WHERE article_id = ? AND user_id = ? RETURNING id`), articleID, userID,
		).Scan(&receipt.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return receipt, nil
		}
		if err != nil {
			return store.Receipt{}, err
		}
		if err := s.bump(ctx, tx, t.counter, articleID, -1); err != nil {
			return store.Receipt{}, err
		}
		receipt.Changed = true
		return receipt, nil
	})
}

func (s *Store) has(ctx context.Context, op string, t toggleTable, articleID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM `+t.table+` WHERE article_id = ? AND user_id = ?`), articleID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// bump adjusts a counter column. Decrements never take the counter below zero.
func (s *Store) bump(ctx context.Context, tx *sql.Tx, column string, articleID int64, delta int) error {
	query := `UPDATE articles SET ` + column + ` = ` + column + ` + 1 WHERE id = ?`
	if delta < 0 {
		query = `UPDATE articles SET ` + column + ` = ` + column + ` - 1 WHERE id = ? AND ` + column + ` > 0`
	}
	if _, err := tx.ExecContext(ctx, s.rebind(query), articleID); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

func (s *Store) AddComment(ctx context.Context, articleID, userID int64, content string) (store.Receipt, error) {
	return s.withTx(ctx, "AddComment", func(tx *sql.Tx) (store.Receipt, error) {
		receipt := store.Receipt{ArticleID: articleID, ActorID: userID, Changed: true}
		if err := tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO comments (article_id, user_id, content, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
			articleID, userID, content, s.now(),
		).Scan(&receipt.ID); err != nil {
			return store.Receipt{}, err
		}
		if err := s.bump(ctx, tx, "comment_count", articleID, 1); err != nil {
			return store.Receipt{}, err
		}
		return receipt, nil
	})
}

// DeleteComment removes a comment. The receipt's ActorID is the comment's
// author so score reversal is attributed to the original commenter.
func (s *Store) DeleteComment(ctx context.Context, commentID int64, withCount bool) (store.Receipt, error) {
	return s.withTx(ctx, "DeleteComment", func(tx *sql.Tx) (store.Receipt, error) {
		receipt := store.Receipt{ID: commentID}
		err := tx.QueryRowContext(ctx, s.rebind(
			`DELETE FROM comments WHERE id = ? RETURNING article_id, user_id`), commentID,
		).Scan(&receipt.ArticleID, &receipt.ActorID)
		if errors.Is(err, sql.ErrNoRows) {
			return receipt, nil
		}
		if err != nil {
			return store.Receipt{}, err
		}
		if withCount {
			if err := s.bump(ctx, tx, "comment_count", receipt.ArticleID, -1); err != nil {
				return store.Receipt{}, err
			}
		}
		receipt.Changed = true
		return receipt, nil
	})
}

func (s *Store) GetComment(ctx context.Context, commentID int64) (*store.Comment, error) {
	var c store.Comment
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, article_id, user_id, content, created_at FROM comments WHERE id = ?`), commentID,
	).Scan(&c.ID, &c.ArticleID, &c.UserID, &c.Content, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetComment: %w", err)
	}
	return &c, nil
}

func (s *Store) RecordView(ctx context.Context, articleID int64) (store.Receipt, error) {
	return s.withTx(ctx, "RecordView", func(tx *sql.Tx) (store.Receipt, error) {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE articles SET view_count = view_count + 1 WHERE id = ?`), articleID)
		if err != nil {
			return store.Receipt{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.Receipt{}, err
		}
		return store.Receipt{ID: articleID, ArticleID: articleID, Changed: n > 0}, nil
	})
}
