// Package webhook delivers interaction notifications to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tternquist/hotboard/internal/metrics"
)

// Event describes an interaction someone else performed on an owner's article.
type Event struct {
	Action    string
	ArticleID int64
	ActorID   int64
	OwnerID   int64
	// CommentID is set for comment events.
	CommentID int64
}

// Payload is the JSON body of the default target.
type Payload struct {
	Event     string `json:"event"`
	ArticleID int64  `json:"article_id"`
	ActorID   int64  `json:"actor_id"`
	OwnerID   int64  `json:"owner_id"`
	CommentID int64  `json:"comment_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Formatter renders a payload for one webhook target.
type Formatter interface {
	Format(p Payload) ([]byte, error)
}

type defaultFormatter struct{}

func (defaultFormatter) Format(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

type discordFormatter struct{}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
}

func (discordFormatter) Format(p Payload) ([]byte, error) {
	desc := fmt.Sprintf("User %d on article %d", p.ActorID, p.ArticleID)
	if p.CommentID != 0 {
		desc += fmt.Sprintf(" (comment %d)", p.CommentID)
	}
	return json.Marshal(discordMessage{Embeds: []discordEmbed{{
		Title:       "New " + p.Event,
		Description: desc,
		Color:       0x5865F2,
		Timestamp:   p.Timestamp,
	}}})
}

var formatters = map[string]Formatter{
	"default": defaultFormatter{},
	"discord": discordFormatter{},
}

// SupportedTargets lists the accepted target names.
func SupportedTargets() []string {
	out := make([]string, 0, len(formatters))
	for name := range formatters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Notifier fires webhooks for interaction events.
type Notifier struct {
	url       string
	formatter Formatter
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewNotifier creates a webhook notifier. An empty url yields a notifier that
// drops every event. Unknown targets fall back to "default".
func NewNotifier(url, target string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	f, ok := formatters[target]
	if !ok {
		f = defaultFormatter{}
	}
	return &Notifier{
		url:       url,
		formatter: f,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		now:       time.Now,
	}
}

// Notify sends ev in the background. Delivery failures are logged and counted.
func (n *Notifier) Notify(ev Event) {
	if n == nil || n.url == "" {
		return
	}
	body, err := n.formatter.Format(Payload{
		Event:     ev.Action,
		ArticleID: ev.ArticleID,
		ActorID:   ev.ActorID,
		OwnerID:   ev.OwnerID,
		CommentID: ev.CommentID,
		Timestamp: n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Warn("webhook payload", "err", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.post(body); err != nil {
			metrics.RecordDerivedStateFailure("notify")
			n.logger.Warn("webhook delivery failed", "event", ev.Action, "article_id", ev.ArticleID, "err", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
