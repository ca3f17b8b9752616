// Package action performs side-effecting actions against an open page. The
// only action today is posting a reply under a post.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/metrics"
)

type Config struct {
	// CommentButtons reveal the editor. The first one found is clicked; none
	// found is fine, some layouts show the editor already.
	CommentButtons []string `yaml:"comment_buttons"`
	// EditorSelectors are tried in order, first match wins.
	EditorSelectors []string      `yaml:"editor_selectors"`
	Timeout         time.Duration `yaml:"timeout"`
	// ConfirmPrefix is how many leading characters of the message must
	// reappear for the post to count as confirmed.
	ConfirmPrefix int `yaml:"confirm_prefix"`
}

func DefaultConfig() Config {
	return Config{
		CommentButtons: []string{
			`div[aria-label="Leave a comment"]`,
			`div[aria-label="Comment"]`,
		},
		EditorSelectors: []string{
			`div[contenteditable="true"][role="textbox"]`,
			`div[aria-label^="Write a comment"]`,
			`textarea[name="comment_text"]`,
		},
		Timeout:       45 * time.Second,
		ConfirmPrefix: 20,
	}
}

// Target is the post to reply to. Element is used when set, URL otherwise
// or when the in-place attempt fails.
type Target struct {
	Element browser.Element
	URL     string
}

const (
	StrategyInPlace   = "in_place"
	StrategyPermalink = "permalink"
)

type Result struct {
	Strategy  string
	Confirmed bool
}

type Executor struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewExecutor(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, metrics: m, logger: logger.With("module", "action")}
}

// PostReply types message into the reply editor of target and submits it.
// A missing confirmation is logged, never returned as an error.
func (e *Executor) PostReply(ctx context.Context, page browser.Page, target Target, message string) (Result, error) {
	if target.Element == nil && target.URL == "" {
		return Result{}, domain.Permanent(errors.New("reply target has neither element nor url"))
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	res, err := e.post(ctx, page, target, message)
	if err != nil {
		e.metrics.ReplyAttempted("failed")
		return res, err
	}
	if res.Confirmed {
		e.metrics.ReplyAttempted("confirmed")
	} else {
		e.metrics.ReplyAttempted("unconfirmed")
	}
	return res, nil
}

func (e *Executor) post(ctx context.Context, page browser.Page, target Target, message string) (Result, error) {
	if target.Element != nil {
		err := e.inPlace(ctx, page, target.Element, message)
		if err == nil {
			return Result{Strategy: StrategyInPlace, Confirmed: e.confirm(ctx, page, target.Element, message)}, nil
		}
		if ctx.Err() != nil || target.URL == "" {
			return Result{Strategy: StrategyInPlace}, err
		}
		e.logger.WarnContext(ctx, "in-place reply failed, opening permalink", "url", target.URL, "error", err)
	}

	if err := page.Navigate(ctx, target.URL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", domain.ErrNavigationTimeout, err)
		}
		return Result{Strategy: StrategyPermalink}, fmt.Errorf("open %s: %w", target.URL, err)
	}
	editor, err := e.findEditor(ctx, page, nil)
	if err != nil {
		return Result{Strategy: StrategyPermalink}, err
	}
	if err := editor.TypeAndSubmit(ctx, message); err != nil {
		return Result{Strategy: StrategyPermalink}, fmt.Errorf("submit reply: %w", err)
	}
	return Result{Strategy: StrategyPermalink, Confirmed: e.confirm(ctx, page, nil, message)}, nil
}

func (e *Executor) inPlace(ctx context.Context, page browser.Page, el browser.Element, message string) error {
	if err := el.ScrollIntoView(ctx); err != nil {
		return fmt.Errorf("scroll to post: %w", err)
	}
	editor, err := e.findEditor(ctx, page, el)
	if err != nil {
		return err
	}
	if err := editor.TypeAndSubmit(ctx, message); err != nil {
		return fmt.Errorf("submit reply: %w", err)
	}
	return nil
}

// findEditor clicks the first comment button it finds, then looks for the
// editor inside scope before searching the whole page.
func (e *Executor) findEditor(ctx context.Context, page browser.Page, scope browser.Element) (browser.Element, error) {
	for _, sel := range e.cfg.CommentButtons {
		var err error
		if scope != nil {
			var btn browser.Element
			if btn, err = scope.Find(ctx, sel); err == nil {
				err = btn.Click(ctx)
			}
		} else {
			err = page.FindAndClick(ctx, sel)
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if scope != nil {
		for _, sel := range e.cfg.EditorSelectors {
			if ed, err := scope.Find(ctx, sel); err == nil {
				return ed, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	for _, sel := range e.cfg.EditorSelectors {
		if ed, err := page.Find(ctx, sel); err == nil {
			return ed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, domain.ErrEditorNotFound
}

func (e *Executor) confirm(ctx context.Context, page browser.Page, scope browser.Element, message string) bool {
	prefix := Prefix(message, e.cfg.ConfirmPrefix)
	if prefix == "" {
		return false
	}
	var (
		ok  bool
		err error
	)
	if scope != nil {
		ok, err = scope.ContainsText(ctx, prefix)
	}
	if !ok && err == nil {
		ok, err = page.ContainsText(ctx, prefix)
	}
	if err != nil || !ok {
		e.logger.InfoContext(ctx, "reply posted but not confirmed", "error", err)
		return false
	}
	return true
}

// Prefix returns the first n runes of s.
func Prefix(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}
