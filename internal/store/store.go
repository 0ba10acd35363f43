package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// Article is the ranked resource. Counter columns are denormalized totals
// maintained by the interaction writes.
type Article struct {
	ID            int64     `json:"id"`
	OwnerID       int64     `json:"owner_id"`
	Title         string    `json:"title"`
	Status        Status    `json:"status"`
	LikeCount     int64     `json:"like_count"`
	FavoriteCount int64     `json:"favorite_count"`
	CommentCount  int64     `json:"comment_count"`
	ViewCount     int64     `json:"view_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Published reports whether the article may receive interactions and rank.
func (a *Article) Published() bool {
	return a != nil && a.Status == StatusPublished
}

type Comment struct {
	ID        int64     `json:"id"`
	ArticleID int64     `json:"article_id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Receipt is returned by a durable write once its transaction has committed.
// Changed is false when the write was a no-op (duplicate action or removal of
// an absent row); callers skip derived-state updates in that case.
type Receipt struct {
	ID        int64
	ArticleID int64
	ActorID   int64
	Changed   bool
}

// Records is the read side of the source of truth.
type Records interface {
	Get(ctx context.Context, id int64) (*Article, error)
	BatchGet(ctx context.Context, ids []int64) (map[int64]*Article, error)
	// Exists reports whether the article is present and published.
	Exists(ctx context.Context, id int64) (bool, error)
	// BatchExists returns the subset of ids that are present and published.
	BatchExists(ctx context.Context, ids []int64) (map[int64]bool, error)
	ListPublishedIDs(ctx context.Context) ([]int64, error)
}

// Interactions are the durable interaction writes. Each method runs in its
// own transaction and returns only after commit; a non-nil error means the
// transaction rolled back.
type Interactions interface {
	Like(ctx context.Context, articleID, userID int64) (Receipt, error)
	Unlike(ctx context.Context, articleID, userID int64) (Receipt, error)
	HasLiked(ctx context.Context, articleID, userID int64) (bool, error)

	Favorite(ctx context.Context, articleID, userID int64) (Receipt, error)
	Unfavorite(ctx context.Context, articleID, userID int64) (Receipt, error)
	HasFavorited(ctx context.Context, articleID, userID int64) (bool, error)

	AddComment(ctx context.Context, articleID, userID int64, content string) (Receipt, error)
	// DeleteComment removes a comment; withCount also decrements the article's comment counter.
	DeleteComment(ctx context.Context, commentID int64, withCount bool) (Receipt, error)
	GetComment(ctx context.Context, commentID int64) (*Comment, error)

	RecordView(ctx context.Context, articleID int64) (Receipt, error)
}
