// Package browser is the browser-automation capability the orchestration code
// depends on. Session management, discovery and reply posting only see these
// interfaces; rod.go adapts them to a real Chrome.
package browser

import (
	"context"
	"errors"
)

var ErrElementNotFound = errors.New("element not found")

type LaunchOptions struct {
	Headless bool
	// StorageState seeds the fresh context. Nil starts logged out.
	StorageState *StorageState
	// StartURL is opened in the first page, if set.
	StartURL string
}

type Launcher interface {
	// Launch creates a fresh isolated browsing context.
	Launch(ctx context.Context, opts LaunchOptions) (Context, error)
}

type Context interface {
	NewPage(ctx context.Context) (Page, error)
	// StorageState snapshots cookies and local storage of open pages.
	StorageState(ctx context.Context) (StorageState, error)
	// Alive reports false once the user closed the window or the browser died.
	Alive(ctx context.Context) bool
	Close() error
}

type Page interface {
	Navigate(ctx context.Context, url string) error
	// Exists checks for a match without waiting.
	Exists(ctx context.Context, selector string) (bool, error)
	// Find waits for a match until ctx is done, then returns ErrElementNotFound.
	Find(ctx context.Context, selector string) (Element, error)
	// FindAll returns the current matches in document order without waiting.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	FindAndClick(ctx context.Context, selector string) error
	ScrollBy(ctx context.Context, pixels int) error
	ContainsText(ctx context.Context, text string) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type Element interface {
	Text(ctx context.Context) (string, error)
	// Attribute returns "" and false when the attribute is absent.
	Attribute(ctx context.Context, name string) (string, bool, error)
	// Find looks for a descendant without waiting.
	Find(ctx context.Context, selector string) (Element, error)
	ContainsText(ctx context.Context, text string) (bool, error)
	ScrollIntoView(ctx context.Context) error
	Click(ctx context.Context) error
	// TypeAndSubmit focuses the element, inserts text and presses Enter.
	TypeAndSubmit(ctx context.Context, text string) error
	Screenshot(ctx context.Context) ([]byte, error)
}
