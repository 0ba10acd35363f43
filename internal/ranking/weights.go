package ranking

import (
	"fmt"

	"github.com/tternquist/hotboard/internal/config"
)

// Action is a scored user interaction.
type Action string

const (
	ActionView     Action = "view"
	ActionLike     Action = "like"
	ActionComment  Action = "comment"
	ActionFavorite Action = "favorite"
)

// Weights maps actions to score deltas. Removals apply the negated weight.
type Weights struct {
	View     float64
	Like     float64
	Comment  float64
	Favorite float64
}

func DefaultWeights() Weights {
	return Weights{View: 1, Like: 5, Comment: 10, Favorite: 8}
}

// WeightsFromConfig converts configured weights.
func WeightsFromConfig(c config.WeightsConfig) Weights {
	return Weights{View: c.View, Like: c.Like, Comment: c.Comment, Favorite: c.Favorite}
}

// Of returns the weight for a.
func (w Weights) Of(a Action) (float64, error) {
	switch a {
	case ActionView:
		return w.View, nil
	case ActionLike:
		return w.Like, nil
	case ActionComment:
		return w.Comment, nil
	case ActionFavorite:
		return w.Favorite, nil
	default:
		return 0, fmt.Errorf("unknown action %q", a)
	}
}
