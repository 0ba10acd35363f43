package interaction

import (
	"context"
	"encoding/json"

	"github.com/tternquist/hotboard/internal/store"
)

// HasLiked answers from the flag cache and falls back to the store.
func (s *Service) HasLiked(ctx context.Context, articleID, userID int64) (bool, error) {
	return s.cachedFlag(ctx, "like", articleID, userID, s.writes.HasLiked)
}

// HasFavorited answers from the flag cache and falls back to the store.
func (s *Service) HasFavorited(ctx context.Context, articleID, userID int64) (bool, error) {
	return s.cachedFlag(ctx, "favorite", articleID, userID, s.writes.HasFavorited)
}

// ArticleDetail returns the article through the detail cache.
func (s *Service) ArticleDetail(ctx context.Context, articleID int64) (*store.Article, error) {
	key := s.keys.Detail(articleID)
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Debug("detail cache read failed", "key", key, "err", err)
		} else if ok {
			var a store.Article
			if err := json.Unmarshal(raw, &a); err == nil {
				return &a, nil
			}
			s.logger.Debug("detail cache entry corrupt", "key", key)
		}
	}
	a, err := s.records.Get(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(a); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
				s.logger.Debug("detail cache write failed", "key", key, "err", err)
			}
		}
	}
	return a, nil
}

func (s *Service) cachedFlag(ctx context.Context, action string, articleID, userID int64, load func(context.Context, int64, int64) (bool, error)) (bool, error) {
	key := s.keys.Flag(action, articleID, userID)
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Debug("flag cache read failed", "key", key, "err", err)
		} else if ok {
			return string(raw) == "1", nil
		}
	}
	has, err := load(ctx, articleID, userID)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		val := []byte("0")
		if has {
			val = []byte("1")
		}
		if err := s.cache.Set(ctx, key, val, s.cacheTTL); err != nil {
			s.logger.Debug("flag cache write failed", "key", key, "err", err)
		}
	}
	return has, nil
}
