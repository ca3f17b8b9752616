// Package browsertest is a scripted in-memory browser for tests. A Site maps
// URLs to pages whose feed is revealed one batch per scroll; elements are
// plain structs with text, attributes and children.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/domain"
)

// SitePage is the scripted content behind one URL.
type SitePage struct {
	// Batches are feed items. The first batch is visible after navigation,
	// each ScrollBy reveals one more.
	Batches [][]*Element
	// Static elements are matched by exact selector.
	Static map[string][]*Element
	Text   string
}

type Site struct {
	// FeedSelector matches the revealed feed items.
	FeedSelector string
	// OnNavigate runs before every navigation. A non-nil error fails it.
	OnNavigate func(ctx context.Context, url string) error

	mu          sync.Mutex
	pages       map[string]*SitePage
	navFailures map[string]int
	navigations []string
	openPages   int
	maxOpen     int
}

func NewSite(feedSelector string) *Site {
	return &Site{
		FeedSelector: feedSelector,
		pages:        map[string]*SitePage{},
		navFailures:  map[string]int{},
	}
}

func (s *Site) AddPage(url string, p *SitePage) *SitePage {
	if p.Static == nil {
		p.Static = map[string][]*Element{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = p
	return p
}

// FailNavigation makes the next n navigations to url time out.
func (s *Site) FailNavigation(url string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navFailures[url] = n
}

func (s *Site) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

func (s *Site) OpenPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openPages
}

// MaxOpenPages is the high-water mark of simultaneously open pages.
func (s *Site) MaxOpenPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

func (s *Site) pageOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openPages++
	if s.openPages > s.maxOpen {
		s.maxOpen = s.openPages
	}
}

func (s *Site) pageClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openPages--
}

func (s *Site) navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.OnNavigate != nil {
		if err := s.OnNavigate(ctx, url); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	if s.navFailures[url] > 0 {
		s.navFailures[url]--
		return fmt.Errorf("%w: %s", domain.ErrNavigationTimeout, url)
	}
	return nil
}

func (s *Site) lookup(url string) *SitePage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[url]; ok {
		return p
	}
	return &SitePage{Static: map[string][]*Element{}}
}

// --- LAUNCHER ---

type Launcher struct {
	Site *Site
	// OnLaunch can script the new context before it is returned.
	OnLaunch  func(c *Context)
	LaunchErr error

	mu       sync.Mutex
	contexts []*Context
}

func NewLauncher(site *Site) *Launcher {
	return &Launcher{Site: site}
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	c := &Context{site: l.Site, Options: opts}
	if opts.StorageState != nil {
		c.State = cloneState(*opts.StorageState)
	}
	if l.OnLaunch != nil {
		l.OnLaunch(c)
	}

	l.mu.Lock()
	l.contexts = append(l.contexts, c)
	l.mu.Unlock()

	if opts.StartURL != "" {
		p, err := c.NewPage(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.Navigate(ctx, opts.StartURL); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (l *Launcher) Contexts() []*Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Context(nil), l.contexts...)
}

// OpenContexts counts launched contexts that were not closed yet.
func (l *Launcher) OpenContexts() int {
	n := 0
	for _, c := range l.Contexts() {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// --- CONTEXT ---

type Context struct {
	Options browser.LaunchOptions
	State   browser.StorageState
	// LoginState replaces State once StorageState was polled LoginAfter times.
	LoginState *browser.StorageState
	LoginAfter int
	// CloseAfter makes Alive report false from its CloseAfter-th call on.
	// Zero keeps the window open.
	CloseAfter int

	site *Site

	mu         sync.Mutex
	polls      int
	aliveCalls int
	closed     bool
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.New("context closed")
	}
	c.site.pageOpened()
	return &Page{site: c.site}, nil
}

func (c *Context) StorageState(ctx context.Context) (browser.StorageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return browser.StorageState{}, errors.New("context closed")
	}
	c.polls++
	if c.LoginState != nil && c.polls >= c.LoginAfter {
		c.State = cloneState(*c.LoginState)
	}
	return cloneState(c.State), nil
}

func (c *Context) Alive(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.aliveCalls++
	return c.CloseAfter == 0 || c.aliveCalls < c.CloseAfter
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func cloneState(s browser.StorageState) browser.StorageState {
	out := browser.StorageState{
		Cookies: append([]browser.Cookie(nil), s.Cookies...),
	}
	for _, o := range s.Origins {
		out.Origins = append(out.Origins, browser.OriginStorage{
			Origin:       o.Origin,
			LocalStorage: append([]browser.NameValue(nil), o.LocalStorage...),
		})
	}
	return out
}

// --- PAGE ---

type Page struct {
	site *Site

	mu       sync.Mutex
	url      string
	revealed int
	closed   bool
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.site.navigate(ctx, url); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.revealed = 1
	return nil
}

func (p *Page) current() (*SitePage, int) {
	p.mu.Lock()
	url, revealed := p.url, p.revealed
	p.mu.Unlock()
	return p.site.lookup(url), revealed
}

func (p *Page) feed() []*Element {
	sp, revealed := p.current()
	var out []*Element
	for i := 0; i < revealed && i < len(sp.Batches); i++ {
		out = append(out, sp.Batches[i]...)
	}
	return out
}

func (p *Page) matches(selector string) []*Element {
	sp, _ := p.current()
	if els := sp.Static[selector]; len(els) > 0 {
		return els
	}
	if selector == p.site.FeedSelector {
		return p.feed()
	}
	return nil
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return len(p.matches(selector)) > 0, nil
}

func (p *Page) Find(ctx context.Context, selector string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	els := p.matches(selector)
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return els[0], nil
}

func (p *Page) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	els := p.matches(selector)
	out := make([]browser.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

func (p *Page) FindAndClick(ctx context.Context, selector string) error {
	el, err := p.Find(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(ctx)
}

func (p *Page) ScrollBy(ctx context.Context, pixels int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revealed++
	return nil
}

func (p *Page) ContainsText(ctx context.Context, text string) (bool, error) {
	sp, _ := p.current()
	if strings.Contains(sp.Text, text) {
		return true, nil
	}
	for _, els := range sp.Static {
		for _, el := range els {
			if el.contains(text) {
				return true, nil
			}
		}
	}
	for _, el := range p.feed() {
		if el.contains(text) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("page:" + p.URL()), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.site.pageClosed()
	return nil
}

// --- ELEMENT ---

type Element struct {
	TextValue string
	Attrs     map[string]string
	Children  map[string]*Element
	// ClickErr fails every click.
	ClickErr error

	mu     sync.Mutex
	clicks int
	typed  []string
}

func NewElement(text string) *Element {
	return &Element{TextValue: text, Attrs: map[string]string{}, Children: map[string]*Element{}}
}

func (e *Element) WithAttr(name, value string) *Element {
	e.Attrs[name] = value
	return e
}

func (e *Element) WithChild(selector string, child *Element) *Element {
	e.Children[selector] = child
	return e
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Submitted returns every text passed to TypeAndSubmit.
func (e *Element) Submitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.typed...)
}

func (e *Element) contains(text string) bool {
	if strings.Contains(e.TextValue, text) {
		return true
	}
	e.mu.Lock()
	typed := append([]string(nil), e.typed...)
	e.mu.Unlock()
	for _, t := range typed {
		if strings.Contains(t, text) {
			return true
		}
	}
	for _, c := range e.Children {
		if c.contains(text) {
			return true
		}
	}
	return false
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return e.TextValue, ctx.Err()
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, ok := e.Attrs[name]
	return v, ok, ctx.Err()
}

func (e *Element) Find(ctx context.Context, selector string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := e.Children[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return c, nil
}

func (e *Element) ContainsText(ctx context.Context, text string) (bool, error) {
	return e.contains(text), ctx.Err()
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	return ctx.Err()
}

func (e *Element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clicks++
	return nil
}

func (e *Element) TypeAndSubmit(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed = append(e.typed, text)
	return nil
}

func (e *Element) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png:" + e.TextValue), ctx.Err()
}
