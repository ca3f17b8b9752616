// Package discovery scans one monitored group and turns what it sees into a
// lazy, deduplicated, rate-limited stream of items.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/clock"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/dedupe"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/metrics"
	"go-groupwatch/internal/ratelimit"
)

// Selectors locate a post and its fields. Field selectors are scoped to the
// post element.
type Selectors struct {
	Post      string `yaml:"post"`
	Author    string `yaml:"author"`
	Text      string `yaml:"text"`
	Timestamp string `yaml:"timestamp"`
	// TimestampAttr reads the timestamp from an attribute instead of the
	// element text when set.
	TimestampAttr string `yaml:"timestamp_attr"`
	Permalink     string `yaml:"permalink"`
}

type Config struct {
	Selectors       Selectors     `yaml:"selectors"`
	BucketCapacity  float64       `yaml:"bucket_capacity"`
	RefillPerSecond float64       `yaml:"refill_per_second"`
	DedupeCapacity  int           `yaml:"dedupe_capacity"`
	MinBackoff      time.Duration `yaml:"min_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	ScrollPixels    int           `yaml:"scroll_pixels"`
}

func DefaultConfig() Config {
	return Config{
		Selectors: Selectors{
			Post:      `div[role="feed"] > div`,
			Author:    `h3 a, h2 a, strong a`,
			Text:      `div[data-ad-preview="message"], div[dir="auto"]`,
			Timestamp: `a[href*="/posts/"] span, abbr`,
			Permalink: `a[href*="/posts/"], a[href*="/permalink/"]`,
		},
		BucketCapacity:  5,
		RefillPerSecond: 0.2,
		DedupeCapacity:  1000,
		MinBackoff:      2 * time.Second,
		MaxBackoff:      60 * time.Second,
		ScrollPixels:    1600,
	}
}

// Item is one newly discovered post.
type Item struct {
	Fingerprint string
	URL         string
	Author      string
	Text        string
	Timestamp   string
	// ArtifactKey is empty when the screenshot could not be stored.
	ArtifactKey string
	Screenshot  []byte
	// Element is the live handle, valid while the page stays put.
	Element browser.Element
}

// ErrIdle and ErrDeadline end a stream whose caller asked for a budget.
var (
	ErrIdle     = errors.New("discovery: no new items within idle timeout")
	ErrDeadline = errors.New("discovery: deadline reached")
)

type Options struct {
	WorkflowID uuid.UUID
	RunID      uuid.UUID
	// Keywords are matched as case-folded substrings of the text. Empty
	// matches everything.
	Keywords []string
	// IdleTimeout and Deadline are checked between passes. Zero values
	// disable them and the stream runs until ctx is done.
	IdleTimeout time.Duration
	Deadline    time.Time
}

type Loop struct {
	cfg       Config
	artifacts ports.ArtifactStore
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewLoop(cfg Config, artifacts ports.ArtifactStore, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:       cfg,
		artifacts: artifacts,
		clock:     clk,
		metrics:   m,
		logger:    logger.With("module", "discovery"),
	}
}

// Discover starts a stream over page, which must already show groupURL. The
// stream owns its own rate limiter and dedupe cache.
func (l *Loop) Discover(page browser.Page, groupURL string, opts Options) (*Stream, error) {
	bucket, err := ratelimit.New(l.cfg.BucketCapacity, l.cfg.RefillPerSecond, l.clock)
	if err != nil {
		return nil, err
	}
	bucket.OnWait = l.metrics.RateLimitWaited

	base, err := url.Parse(groupURL)
	if err != nil {
		return nil, fmt.Errorf("parse group url: %w", err)
	}

	return &Stream{
		loop:     l,
		page:     page,
		base:     base,
		opts:     opts,
		keywords: domain.NormalizeKeywords(opts.Keywords),
		bucket:   bucket,
		cache:    dedupe.NewCache(l.cfg.DedupeCapacity),
		backoff:  l.cfg.MinBackoff,
		lastNew:  l.clock.Now(),
		logger:   l.logger.With("group_url", groupURL),
	}, nil
}

// Stream yields items in page order. It never ends on its own: Next returns
// an item, ctx.Err(), or ErrIdle/ErrDeadline once a budget set in Options
// runs out.
type Stream struct {
	loop     *Loop
	page     browser.Page
	base     *url.URL
	opts     Options
	keywords []string
	bucket   *ratelimit.Bucket
	cache    *dedupe.Cache
	logger   *slog.Logger

	candidates []browser.Element
	pos        int
	newInPass  int
	scanned    bool
	backoff    time.Duration
	lastNew    time.Time
}

func (s *Stream) Next(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}

		if s.pos < len(s.candidates) {
			el := s.candidates[s.pos]
			s.pos++
			item, ok, err := s.process(ctx, el)
			if err != nil {
				if ctx.Err() != nil {
					return Item{}, ctx.Err()
				}
				s.logger.DebugContext(ctx, "skipping candidate", "error", err)
				continue
			}
			if ok {
				s.newInPass++
				s.lastNew = s.loop.clock.Now()
				return item, nil
			}
			continue
		}

		if s.scanned {
			if err := s.loadMore(ctx); err != nil {
				return Item{}, err
			}
			if err := s.budgetExceeded(); err != nil {
				return Item{}, err
			}
		}
		s.scanned = true

		els, err := s.page.FindAll(ctx, s.loop.cfg.Selectors.Post)
		if err != nil {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			s.logger.WarnContext(ctx, "failed to enumerate posts", "error", err)
			els = nil
		}
		s.candidates, s.pos, s.newInPass = els, 0, 0
	}
}

// loadMore waits out the back-off after an empty pass, then scrolls.
func (s *Stream) loadMore(ctx context.Context) error {
	if s.newInPass == 0 {
		if err := s.loop.clock.Sleep(ctx, s.backoff); err != nil {
			return err
		}
		s.backoff = min(s.backoff*2, s.loop.cfg.MaxBackoff)
	} else {
		s.backoff = s.loop.cfg.MinBackoff
	}
	if err := s.page.ScrollBy(ctx, s.loop.cfg.ScrollPixels); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WarnContext(ctx, "scroll failed", "error", err)
	}
	return nil
}

func (s *Stream) budgetExceeded() error {
	now := s.loop.clock.Now()
	if !s.opts.Deadline.IsZero() && !now.Before(s.opts.Deadline) {
		return ErrDeadline
	}
	if s.opts.IdleTimeout > 0 && now.Sub(s.lastNew) >= s.opts.IdleTimeout {
		return ErrIdle
	}
	return nil
}

// Backoff is the delay the next empty pass will wait.
func (s *Stream) Backoff() time.Duration { return s.backoff }

func (s *Stream) process(ctx context.Context, el browser.Element) (Item, bool, error) {
	item, err := s.extract(ctx, el)
	if err != nil {
		return Item{}, false, err
	}

	item.Fingerprint = dedupe.Fingerprint(dedupe.Item{
		URL:       item.URL,
		Author:    item.Author,
		Text:      item.Text,
		Timestamp: item.Timestamp,
	})
	if s.cache.Seen(item.Fingerprint) {
		return Item{}, false, nil
	}
	s.cache.MarkSeen(item.Fingerprint)

	if !s.matches(item.Text) {
		return Item{}, false, nil
	}

	if err := s.bucket.Consume(ctx, 1); err != nil {
		return Item{}, false, err
	}

	s.capture(ctx, &item)
	return item, true, nil
}

func (s *Stream) extract(ctx context.Context, el browser.Element) (Item, error) {
	sel := s.loop.cfg.Selectors
	item := Item{Element: el}

	href, err := attrOf(ctx, el, sel.Permalink, "href")
	if err != nil || href == "" {
		return Item{}, fmt.Errorf("no permalink: %w", err)
	}
	item.URL = s.resolve(href)

	item.Author, _ = textOf(ctx, el, sel.Author)
	item.Text, _ = textOf(ctx, el, sel.Text)
	if sel.TimestampAttr != "" {
		item.Timestamp, _ = attrOf(ctx, el, sel.Timestamp, sel.TimestampAttr)
	} else {
		item.Timestamp, _ = textOf(ctx, el, sel.Timestamp)
	}
	return item, nil
}

func (s *Stream) resolve(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	abs := s.base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String()
}

func (s *Stream) matches(text string) bool {
	if len(s.keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// capture stores the element screenshot. Failures only cost the audit trail.
func (s *Stream) capture(ctx context.Context, item *Item) {
	png, err := item.Element.Screenshot(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "screenshot failed", "url", item.URL, "error", err)
		return
	}
	item.Screenshot = png
	if s.loop.artifacts == nil {
		return
	}
	key := domain.ArtifactKey(s.opts.WorkflowID, s.opts.RunID, item.Fingerprint)
	if err := s.loop.artifacts.Put(ctx, key, png); err != nil {
		s.logger.WarnContext(ctx, "failed to store artifact", "key", key, "error", err)
		return
	}
	item.ArtifactKey = key
}

func textOf(ctx context.Context, el browser.Element, selector string) (string, error) {
	if selector == "" {
		return "", nil
	}
	child, err := el.Find(ctx, selector)
	if err != nil {
		return "", err
	}
	t, err := child.Text(ctx)
	return strings.TrimSpace(t), err
}

func attrOf(ctx context.Context, el browser.Element, selector, name string) (string, error) {
	if selector == "" {
		return "", errors.New("no selector")
	}
	child, err := el.Find(ctx, selector)
	if err != nil {
		return "", err
	}
	v, _, err := child.Attribute(ctx, name)
	return v, err
}
