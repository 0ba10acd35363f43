package interaction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tternquist/hotboard/internal/lock"
	"github.com/tternquist/hotboard/internal/store"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// Like records req.ActorID liking req.ResourceID. Liking twice returns the
// existing like with Applied=false.
func (s *Service) Like(ctx context.Context, req Request) (Outcome, error) {
	return s.run(ctx, operation{
		action:   "like",
		lockKey:  lock.Key("like", itoa(req.ResourceID), itoa(req.ActorID)),
		req:      req,
		validate: s.requirePublished(req.ResourceID),
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.Like(ctx, req.ResourceID, req.ActorID)
		},
		delta:  s.weights.Like,
		flag:   s.keys.Flag("like", req.ResourceID, req.ActorID),
		notify: true,
	})
}

// Unlike removes a like. Removing an absent like is a no-op.
func (s *Service) Unlike(ctx context.Context, req Request) (Outcome, error) {
	return s.run(ctx, operation{
		action:  "unlike",
		lockKey: lock.Key("like", itoa(req.ResourceID), itoa(req.ActorID)),
		req:     req,
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.Unlike(ctx, req.ResourceID, req.ActorID)
		},
		delta: -s.weights.Like,
		flag:  s.keys.Flag("like", req.ResourceID, req.ActorID),
	})
}

func (s *Service) Favorite(ctx context.Context, req Request) (Outcome, error) {
	return s.run(ctx, operation{
		action:   "favorite",
		lockKey:  lock.Key("favorite", itoa(req.ResourceID), itoa(req.ActorID)),
		req:      req,
		validate: s.requirePublished(req.ResourceID),
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.Favorite(ctx, req.ResourceID, req.ActorID)
		},
		delta:  s.weights.Favorite,
		flag:   s.keys.Flag("favorite", req.ResourceID, req.ActorID),
		notify: true,
	})
}

func (s *Service) Unfavorite(ctx context.Context, req Request) (Outcome, error) {
	return s.run(ctx, operation{
		action:  "unfavorite",
		lockKey: lock.Key("favorite", itoa(req.ResourceID), itoa(req.ActorID)),
		req:     req,
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.Unfavorite(ctx, req.ResourceID, req.ActorID)
		},
		delta: -s.weights.Favorite,
		flag:  s.keys.Flag("favorite", req.ResourceID, req.ActorID),
	})
}

// View counts one view. The detail cache is invalidated asynchronously.
func (s *Service) View(ctx context.Context, req Request) (Outcome, error) {
	return s.run(ctx, operation{
		action:   "view",
		lockKey:  lock.Key("view", itoa(req.ResourceID), itoa(req.ActorID)),
		req:      req,
		validate: s.requirePublished(req.ResourceID),
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.RecordView(ctx, req.ResourceID)
		},
		delta:       s.weights.View,
		asyncDetail: true,
	})
}

// CreateComment adds a comment. Outcome.ID is the new comment id.
func (s *Service) CreateComment(ctx context.Context, req Request, content string) (Outcome, error) {
	content = strings.TrimSpace(content)
	published := s.requirePublished(req.ResourceID)
	return s.run(ctx, operation{
		action:  "comment",
		lockKey: lock.Key("comment", itoa(req.ResourceID), itoa(req.ActorID)),
		req:     req,
		validate: func(ctx context.Context) error {
			if content == "" {
				return preconditionf("empty comment")
			}
			return published(ctx)
		},
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.AddComment(ctx, req.ResourceID, req.ActorID, content)
		},
		delta:  s.weights.Comment,
		notify: true,
	})
}

// DeleteComment removes commentID from article req.ResourceID. The lock is
// per comment, not per actor, since deletion is resource-global. withCount
// also decrements the comment counter and reverses the comment's score,
// attributed to the original commenter. Deleting an absent comment is a no-op.
func (s *Service) DeleteComment(ctx context.Context, req Request, commentID int64, withCount bool) (Outcome, error) {
	op := operation{
		action:  "uncomment",
		lockKey: lock.Key("comment-delete", itoa(commentID)),
		req:     req,
		validate: func(ctx context.Context) error {
			c, err := s.writes.GetComment(ctx, commentID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load comment %d: %w", commentID, err)
			}
			if c.ArticleID != req.ResourceID {
				return preconditionf("comment %d does not belong to article %d", commentID, req.ResourceID)
			}
			return nil
		},
		write: func(ctx context.Context) (store.Receipt, error) {
			return s.writes.DeleteComment(ctx, commentID, withCount)
		},
		scoredActor: func(r store.Receipt) int64 { return r.ActorID },
	}
	if withCount {
		op.delta = -s.weights.Comment
	}
	return s.run(ctx, op)
}
