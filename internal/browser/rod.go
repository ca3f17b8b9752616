package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"go-groupwatch/internal/domain"
)

// RodConfig configures the Chrome adapter.
type RodConfig struct {
	// Bin is the Chrome binary. Empty lets rod find or download one.
	Bin string `yaml:"bin"`
	// ControlURL connects to an already running Chrome instead of launching
	// one per context.
	ControlURL        string        `yaml:"control_url"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	WaitTimeout       time.Duration `yaml:"wait_timeout"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
}

func (c RodConfig) navTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

func (c RodConfig) waitTimeout() time.Duration {
	if c.WaitTimeout <= 0 {
		return 10 * time.Second
	}
	return c.WaitTimeout
}

// RodLauncher launches isolated incognito contexts through go-rod.
type RodLauncher struct {
	cfg    RodConfig
	logger *slog.Logger
}

func NewRodLauncher(cfg RodConfig, logger *slog.Logger) *RodLauncher {
	return &RodLauncher{cfg: cfg, logger: logger.With("module", "browser")}
}

func (l *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Context, error) {
	var lch *launcher.Launcher
	controlURL := l.cfg.ControlURL
	if controlURL != "" {
		u, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return nil, fmt.Errorf("resolve control url: %w", err)
		}
		controlURL = u
	} else {
		lch = launcher.New().Context(ctx).Headless(opts.Headless)
		if l.cfg.Bin != "" {
			lch = lch.Bin(l.cfg.Bin)
		}
		u, err := lch.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	// The websocket is ours so Close can drop it without shutting down a
	// shared Chrome.
	ws := &cdp.WebSocket{}
	if err := ws.Connect(ctx, controlURL, nil); err != nil {
		cleanupLauncher(lch)
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	root := rod.New().Client(cdp.New().Start(ws))
	if err := root.Connect(); err != nil {
		_ = ws.Close()
		cleanupLauncher(lch)
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	incognito, err := root.Incognito()
	if err != nil {
		if lch != nil {
			_ = root.Close()
		}
		_ = ws.Close()
		cleanupLauncher(lch)
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	rc := &rodContext{
		cfg:      l.cfg,
		logger:   l.logger,
		root:     root,
		conn:     ws,
		browser:  incognito,
		launcher: lch,
	}

	if opts.StorageState != nil {
		rc.seed = opts.StorageState.localStorageByOrigin()
		if len(opts.StorageState.Cookies) > 0 {
			if err := incognito.SetCookies(toCookieParams(opts.StorageState.Cookies)); err != nil {
				_ = rc.Close()
				return nil, fmt.Errorf("restore cookies: %w", err)
			}
		}
	}

	if opts.StartURL != "" {
		page, err := rc.NewPage(ctx)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		if err := page.Navigate(ctx, opts.StartURL); err != nil {
			_ = rc.Close()
			return nil, err
		}
	}

	return rc, nil
}

func cleanupLauncher(lch *launcher.Launcher) {
	if lch == nil {
		return
	}
	lch.Kill()
	lch.Cleanup()
}

type rodContext struct {
	cfg      RodConfig
	logger   *slog.Logger
	root     *rod.Browser
	conn     io.Closer
	browser  *rod.Browser
	launcher *launcher.Launcher
	seed     map[string]map[string]string

	mu     sync.Mutex
	pages  []*rod.Page
	closed bool
}

func (c *rodContext) NewPage(ctx context.Context) (Page, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if c.cfg.ViewportWidth > 0 && c.cfg.ViewportHeight > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             c.cfg.ViewportWidth,
			Height:            c.cfg.ViewportHeight,
			DeviceScaleFactor: 1.0,
		}).Call(page); err != nil {
			c.logger.WarnContext(ctx, "failed to set viewport", "error", err)
		}
	}

	if len(c.seed) > 0 {
		if _, err := page.EvalOnNewDocument(seedLocalStorageJS(c.seed)); err != nil {
			c.logger.WarnContext(ctx, "failed to seed local storage", "error", err)
		}
	}

	c.mu.Lock()
	c.pages = append(c.pages, page)
	c.mu.Unlock()

	return &rodPage{page: page, cfg: c.cfg}, nil
}

func (c *rodContext) StorageState(ctx context.Context) (StorageState, error) {
	cookies, err := c.browser.Context(ctx).GetCookies()
	if err != nil {
		return StorageState{}, fmt.Errorf("get cookies: %w", err)
	}

	state := StorageState{Cookies: make([]Cookie, 0, len(cookies))}
	for _, ck := range cookies {
		state.Cookies = append(state.Cookies, Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  float64(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}

	seen := map[string]bool{}
	c.mu.Lock()
	pages := append([]*rod.Page(nil), c.pages...)
	c.mu.Unlock()
	for _, p := range pages {
		origin, ok := snapshotLocalStorage(ctx, p)
		if !ok || seen[origin.Origin] {
			continue
		}
		seen[origin.Origin] = true
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

func (c *rodContext) Alive(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for _, p := range c.pages {
		if _, err := p.Context(ctx).Info(); err == nil {
			return true
		}
	}
	return false
}

func (c *rodContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pages = nil
	c.mu.Unlock()

	var root io.Closer
	if c.launcher != nil {
		root = c.root
	}
	err := closeContext(c.browser, root, c.conn)
	cleanupLauncher(c.launcher)
	return err
}

// closeContext disposes the incognito context, shuts down root when it is
// set and then drops the connection. root is nil for a shared Chrome.
func closeContext(incognito, root, conn io.Closer) error {
	err := incognito.Close()
	if root != nil {
		if rerr := root.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	if conn != nil {
		// Chrome may already have dropped it after a shutdown.
		if cerr := conn.Close(); cerr != nil && root == nil && err == nil {
			err = cerr
		}
	}
	return err
}

type rodPage struct {
	page *rod.Page
	cfg  RodConfig
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx).Timeout(p.cfg.navTimeout())
	if err := page.Navigate(url); err != nil {
		return navigationError(url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return navigationError(url, err)
	}
	return nil
}

func navigationError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", domain.ErrNavigationTimeout, url)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

func (p *rodPage) Exists(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	return has, err
}

func (p *rodPage) Find(ctx context.Context, selector string) (Element, error) {
	el, err := p.page.Context(ctx).Timeout(p.cfg.waitTimeout()).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, err
	}
	return &rodElement{el: el}, nil
}

func (p *rodPage) FindAll(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (p *rodPage) FindAndClick(ctx context.Context, selector string) error {
	el, err := p.Find(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(ctx)
}

func (p *rodPage) ScrollBy(ctx context.Context, pixels int) error {
	_, err := p.page.Context(ctx).Eval(`(dy) => window.scrollBy(0, dy)`, pixels)
	return err
}

func (p *rodPage) ContainsText(ctx context.Context, text string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(`(t) => document.body ? document.body.innerText.includes(t) : false`, text)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) Find(ctx context.Context, selector string) (Element, error) {
	has, el, err := e.el.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return &rodElement{el: el}, nil
}

func (e *rodElement) ContainsText(ctx context.Context, text string) (bool, error) {
	t, err := e.Text(ctx)
	if err != nil {
		return false, err
	}
	return strings.Contains(t, text), nil
}

func (e *rodElement) ScrollIntoView(ctx context.Context) error {
	return e.el.Context(ctx).ScrollIntoView()
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) TypeAndSubmit(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus editor: %w", err)
	}
	page := el.Page()
	if err := page.InsertText(text); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return page.Keyboard.Type(input.Enter)
}

func (e *rodElement) Screenshot(ctx context.Context) ([]byte, error) {
	return e.el.Context(ctx).Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

func toCookieParams(cookies []Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	return params
}

func snapshotLocalStorage(ctx context.Context, p *rod.Page) (OriginStorage, bool) {
	res, err := p.Context(ctx).Eval(`() => {
		try {
			const items = [];
			for (let i = 0; i < localStorage.length; i++) {
				const k = localStorage.key(i);
				items.push({ name: k, value: localStorage.getItem(k) });
			}
			return JSON.stringify({ origin: location.origin, localStorage: items });
		} catch (e) {
			return "";
		}
	}`)
	if err != nil || res == nil || res.Value.Nil() {
		return OriginStorage{}, false
	}
	raw := res.Value.Str()
	if raw == "" {
		return OriginStorage{}, false
	}
	var o OriginStorage
	if err := json.Unmarshal([]byte(raw), &o); err != nil || o.Origin == "" || o.Origin == "null" {
		return OriginStorage{}, false
	}
	return o, true
}

func seedLocalStorageJS(seed map[string]map[string]string) string {
	data, _ := json.Marshal(seed)
	return fmt.Sprintf(`(() => {
		const seed = %s;
		const items = seed[location.origin];
		if (!items) return;
		for (const [k, v] of Object.entries(items)) {
			try {
				if (localStorage.getItem(k) === null) localStorage.setItem(k, v);
			} catch (e) {}
		}
	})()`, data)
}
