// Package session owns the browsing sessions of automation accounts: it
// logs accounts in interactively, stores the resulting session blob, reopens
// it in fresh isolated contexts and guarantees a single open session per
// account.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/clock"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/metrics"
)

type LogoutConfig struct {
	// URL is opened before the primary path. Empty means Config.HomeURL.
	URL string `yaml:"url"`
	// Primary and Fallback are selectors clicked in order.
	Primary     []string `yaml:"primary"`
	FallbackURL string   `yaml:"fallback_url"`
	Fallback    []string `yaml:"fallback"`
}

type Config struct {
	HomeURL  string `yaml:"home_url"`
	LoginURL string `yaml:"login_url"`
	// AuthCookie present with a non-empty value means logged in.
	AuthCookie string `yaml:"auth_cookie"`
	// IdentityCookie carries the site-side user id. Empty falls back to
	// AuthCookie.
	IdentityCookie string        `yaml:"identity_cookie"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LoginTimeout   time.Duration `yaml:"login_timeout"`
	// WaitTimeout bounds how long a second Open for a busy account waits.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	Headless    bool          `yaml:"headless"`
	Logout      LogoutConfig  `yaml:"logout"`
}

func DefaultConfig() Config {
	return Config{
		HomeURL:        "https://www.facebook.com/",
		LoginURL:       "https://www.facebook.com/login",
		AuthCookie:     "xs",
		IdentityCookie: "c_user",
		PollInterval:   2 * time.Second,
		LoginTimeout:   10 * time.Minute,
		WaitTimeout:    2 * time.Minute,
		StepTimeout:    15 * time.Second,
		Headless:       true,
		Logout: LogoutConfig{
			Primary:     []string{`div[aria-label="Your profile"]`, `div[role="menuitem"]:last-child`},
			FallbackURL: "https://mbasic.facebook.com/menu/bookmarks/",
			Fallback:    []string{`a[href*="logout"]`},
		},
	}
}

// LoginResult reports the outcome of an interactive login.
type LoginResult struct {
	LoggedIn         bool
	ExternalIdentity string
	Status           domain.AccountStatus
}

type Manager struct {
	cfg      Config
	launcher browser.Launcher
	store    ports.SessionStore
	accounts ports.AccountRepository
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func NewManager(
	cfg Config,
	launcher browser.Launcher,
	store ports.SessionStore,
	accounts ports.AccountRepository,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		store:    store,
		accounts: accounts,
		clock:    clk,
		metrics:  m,
		logger:   logger.With("module", "session"),
		locks:    make(map[uuid.UUID]chan struct{}),
	}
}

// Session is an open browsing context for one account. Close must be called
// exactly once; further calls are no-ops.
type Session struct {
	TenantID  uuid.UUID
	AccountID uuid.UUID

	ctx     browser.Context
	release func()
	once    sync.Once
	err     error
}

func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	return s.ctx.NewPage(ctx)
}

func (s *Session) StorageState(ctx context.Context) (browser.StorageState, error) {
	return s.ctx.StorageState(ctx)
}

func (s *Session) Close() error {
	s.once.Do(func() {
		s.err = s.ctx.Close()
		s.release()
	})
	return s.err
}

// acquire takes the per-account slot, waiting at most WaitTimeout.
func (m *Manager) acquire(ctx context.Context, accountID uuid.UUID) (func(), error) {
	m.mu.Lock()
	slot, ok := m.locks[accountID]
	if !ok {
		slot = make(chan struct{}, 1)
		m.locks[accountID] = slot
	}
	m.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	default:
	}

	wait, cancel := context.WithTimeout(ctx, m.cfg.WaitTimeout)
	defer cancel()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-wait.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: account %s", domain.ErrSessionBusy, accountID)
	}
}

// Open restores the account's stored session into a fresh isolated context.
func (m *Manager) Open(ctx context.Context, tenantID, accountID uuid.UUID) (*Session, error) {
	release, err := m.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}

	state, err := m.store.Get(ctx, tenantID, accountID)
	if err != nil {
		release()
		return nil, err
	}

	bctx, err := m.launcher.Launch(ctx, browser.LaunchOptions{
		Headless:     m.cfg.Headless,
		StorageState: &state,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("launch session for account %s: %w", accountID, err)
	}

	m.logger.DebugContext(ctx, "session opened", "account_id", accountID)
	return &Session{TenantID: tenantID, AccountID: accountID, ctx: bctx, release: release}, nil
}

// Login opens an interactive context at the login page and waits for the
// auth cookie. The blob is stored only on success.
func (m *Manager) Login(ctx context.Context, tenantID, accountID uuid.UUID) (LoginResult, error) {
	release, err := m.acquire(ctx, accountID)
	if err != nil {
		return LoginResult{}, err
	}
	defer release()

	if err := m.accounts.UpdateStatus(ctx, accountID, domain.AccountLoggingIn); err != nil {
		return LoginResult{}, err
	}

	bctx, err := m.launcher.Launch(ctx, browser.LaunchOptions{Headless: false, StartURL: m.cfg.LoginURL})
	if err != nil {
		m.setStatus(ctx, accountID, domain.AccountError)
		m.metrics.LoginFinished("error")
		return LoginResult{}, fmt.Errorf("launch login browser: %w", err)
	}
	defer bctx.Close()

	state, ok, err := m.waitForLogin(ctx, bctx)
	if err != nil || !ok {
		m.setStatus(context.WithoutCancel(ctx), accountID, domain.AccountNotReady)
		m.metrics.LoginFinished("abandoned")
		return LoginResult{Status: domain.AccountNotReady}, err
	}

	identity := m.identityOf(state)

	key, err := m.store.Put(ctx, tenantID, accountID, state)
	if err != nil {
		m.setStatus(ctx, accountID, domain.AccountError)
		m.metrics.LoginFinished("error")
		return LoginResult{}, err
	}

	others, err := m.holders(ctx, tenantID, identity, accountID)
	if err != nil {
		m.setStatus(ctx, accountID, domain.AccountError)
		return LoginResult{}, err
	}

	status := domain.AccountReady
	if len(others) > 0 {
		status = domain.AccountConflict
		m.logger.WarnContext(ctx, "identity already used by another account",
			"account_id", accountID, "conflicting_account_id", others[0].ID)
	}
	if err := m.accounts.SetSession(ctx, accountID, &identity, &key, status); err != nil {
		return LoginResult{}, err
	}

	m.metrics.LoginFinished(string(status))
	m.logger.InfoContext(ctx, "login finished", "account_id", accountID, "status", status)
	return LoginResult{LoggedIn: true, ExternalIdentity: identity, Status: status}, nil
}

// waitForLogin polls until the auth cookie shows up, the window is closed or
// LoginTimeout passes.
func (m *Manager) waitForLogin(ctx context.Context, bctx browser.Context) (browser.StorageState, bool, error) {
	deadline := m.clock.Now().Add(m.cfg.LoginTimeout)
	for {
		state, err := bctx.StorageState(ctx)
		if err == nil {
			if _, ok := state.Cookie(m.cfg.AuthCookie); ok {
				return state, true, nil
			}
		}
		if !bctx.Alive(ctx) {
			m.logger.InfoContext(ctx, "login window closed before login")
			return browser.StorageState{}, false, nil
		}
		if !m.clock.Now().Before(deadline) {
			m.logger.InfoContext(ctx, "login timed out", "timeout", m.cfg.LoginTimeout)
			return browser.StorageState{}, false, nil
		}
		if err := m.clock.Sleep(ctx, m.cfg.PollInterval); err != nil {
			return browser.StorageState{}, false, err
		}
	}
}

func (m *Manager) identityOf(state browser.StorageState) string {
	name := m.cfg.IdentityCookie
	if name == "" {
		name = m.cfg.AuthCookie
	}
	c, ok := state.Cookie(name)
	if !ok {
		c, _ = state.Cookie(m.cfg.AuthCookie)
	}
	return Fingerprint(c.Value)
}

// Fingerprint hashes a site-side user id so the raw id is never stored.
func Fingerprint(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:32]
}

// VerifyIdentity re-runs conflict detection for an account that already
// logged in. On conflict the account is flagged and ErrIdentityConflict
// returned.
func (m *Manager) VerifyIdentity(ctx context.Context, account *domain.Account) error {
	if account.ExternalIdentity == nil {
		return nil
	}
	others, err := m.holders(ctx, account.TenantID, *account.ExternalIdentity, account.ID)
	if err != nil {
		return err
	}
	if len(others) == 0 {
		return nil
	}
	m.setStatus(ctx, account.ID, domain.AccountConflict)
	return fmt.Errorf("%w: account %s shares its identity with %s", domain.ErrIdentityConflict, account.ID, others[0].ID)
}

// holders lists the other accounts that own identity. Accounts already
// flagged as conflict lost the identity to its first holder and do not count.
func (m *Manager) holders(ctx context.Context, tenantID uuid.UUID, identity string, excludeID uuid.UUID) ([]domain.Account, error) {
	found, err := m.accounts.FindByIdentity(ctx, tenantID, identity, excludeID)
	if err != nil {
		return nil, err
	}
	owners := found[:0]
	for _, a := range found {
		if a.Status != domain.AccountConflict {
			owners = append(owners, a)
		}
	}
	return owners, nil
}

// Logout signs out through the UI on a best-effort basis, then deletes the
// stored blob. Deleting the blob is what logs the account out.
func (m *Manager) Logout(ctx context.Context, tenantID, accountID uuid.UUID) error {
	release, err := m.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	state, err := m.store.Get(ctx, tenantID, accountID)
	switch {
	case err == nil:
		if uiErr := m.signOut(ctx, state); uiErr != nil {
			m.logger.WarnContext(ctx, "ui sign-out failed, deleting session anyway",
				"account_id", accountID, "error", uiErr)
		}
	case errors.Is(err, domain.ErrSessionNotFound):
	default:
		m.logger.WarnContext(ctx, "could not load session for sign-out", "account_id", accountID, "error", err)
	}

	if err := m.store.Delete(ctx, tenantID, accountID); err != nil {
		return err
	}
	return m.accounts.ClearSession(ctx, accountID)
}

func (m *Manager) signOut(ctx context.Context, state browser.StorageState) error {
	bctx, err := m.launcher.Launch(ctx, browser.LaunchOptions{Headless: m.cfg.Headless, StorageState: &state})
	if err != nil {
		return err
	}
	defer bctx.Close()

	page, err := bctx.NewPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close()

	url := m.cfg.Logout.URL
	if url == "" {
		url = m.cfg.HomeURL
	}
	primaryErr := m.clickPath(ctx, page, url, m.cfg.Logout.Primary)
	if primaryErr == nil {
		return nil
	}
	if len(m.cfg.Logout.Fallback) == 0 {
		return primaryErr
	}
	m.logger.DebugContext(ctx, "primary sign-out path failed, trying fallback", "error", primaryErr)
	fallbackURL := m.cfg.Logout.FallbackURL
	if fallbackURL == "" {
		fallbackURL = url
	}
	if err := m.clickPath(ctx, page, fallbackURL, m.cfg.Logout.Fallback); err != nil {
		return errors.Join(primaryErr, err)
	}
	return nil
}

func (m *Manager) clickPath(ctx context.Context, page browser.Page, url string, selectors []string) error {
	if len(selectors) == 0 {
		return errors.New("no selectors configured")
	}
	if err := page.Navigate(ctx, url); err != nil {
		return err
	}
	for _, sel := range selectors {
		stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
		err := page.FindAndClick(stepCtx, sel)
		cancel()
		if err != nil {
			return fmt.Errorf("click %q: %w", sel, err)
		}
	}
	return nil
}

func (m *Manager) setStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) {
	if err := m.accounts.UpdateStatus(ctx, accountID, status); err != nil {
		m.logger.ErrorContext(ctx, "failed to update account status",
			"account_id", accountID, "status", status, "error", err)
	}
}
