package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/browser/browsertest"
	"go-groupwatch/internal/clock"
	"go-groupwatch/internal/dedupe"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/infrastructure/blob"
	"go-groupwatch/internal/logging"
)

const groupURL = "https://site.test/groups/g"

func testConfig() Config {
	return Config{
		Selectors: Selectors{
			Post:      "article",
			Author:    "author",
			Text:      "text",
			Timestamp: "time",
			Permalink: "link",
		},
		BucketCapacity:  100,
		RefillPerSecond: 1,
		DedupeCapacity:  100,
		MinBackoff:      time.Second,
		MaxBackoff:      4 * time.Second,
		ScrollPixels:    800,
	}
}

func post(id, text string) *browsertest.Element {
	return browsertest.NewElement("post-"+id).
		WithChild("link", browsertest.NewElement("").WithAttr("href", "/groups/g/posts/"+id+"#comments")).
		WithChild("author", browsertest.NewElement("  Author "+id+" ")).
		WithChild("text", browsertest.NewElement(text)).
		WithChild("time", browsertest.NewElement("1h"))
}

type harness struct {
	site      *browsertest.Site
	clock     *clock.Fake
	artifacts *blob.ArtifactStore
	loop      *Loop
}

func newHarness(t *testing.T, cfg Config, batches ...[]*browsertest.Element) *harness {
	t.Helper()
	b, err := blob.Open(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	h := &harness{
		site:      browsertest.NewSite(cfg.Selectors.Post),
		clock:     clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		artifacts: blob.NewArtifactStore(b),
	}
	h.site.AddPage(groupURL, &browsertest.SitePage{Batches: batches})
	h.loop = NewLoop(cfg, h.artifacts, h.clock, nil, logging.Discard())
	return h
}

func (h *harness) stream(t *testing.T, opts Options) *Stream {
	t.Helper()
	ctx := context.Background()
	bctx, err := browsertest.NewLauncher(h.site).Launch(ctx, browser.LaunchOptions{})
	require.NoError(t, err)
	page, err := bctx.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, groupURL))

	s, err := h.loop.Discover(page, groupURL, opts)
	require.NoError(t, err)
	return s
}

func nextURLs(t *testing.T, s *Stream, n int) []string {
	t.Helper()
	var urls []string
	for i := 0; i < n; i++ {
		item, err := s.Next(context.Background())
		require.NoError(t, err)
		urls = append(urls, item.URL)
	}
	return urls
}

func postURL(id string) string { return groupURL + "/posts/" + id }

func TestStream_YieldsInPageOrderAcrossScrolls(t *testing.T) {
	h := newHarness(t, testConfig(),
		[]*browsertest.Element{post("1", "a"), post("2", "b")},
		[]*browsertest.Element{post("3", "c")},
	)
	s := h.stream(t, Options{})

	assert.Equal(t, []string{postURL("1"), postURL("2"), postURL("3")}, nextURLs(t, s, 3))
	// new items kept arriving, so nothing waited
	assert.Empty(t, h.clock.Sleeps())
}

func TestStream_ExtractsFieldsAndStoresArtifact(t *testing.T) {
	h := newHarness(t, testConfig(), []*browsertest.Element{post("1", "hello")})
	wf, run := uuid.New(), uuid.New()
	s := h.stream(t, Options{WorkflowID: wf, RunID: run})

	item, err := s.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, postURL("1"), item.URL, "relative href resolved and fragment dropped")
	assert.Equal(t, "Author 1", item.Author)
	assert.Equal(t, "hello", item.Text)
	assert.Equal(t, "1h", item.Timestamp)
	assert.Equal(t, dedupe.Fingerprint(dedupe.Item{URL: item.URL, Author: "Author 1", Text: "hello", Timestamp: "1h"}), item.Fingerprint)

	assert.Equal(t, domain.ArtifactKey(wf, run, item.Fingerprint), item.ArtifactKey)
	stored, err := h.artifacts.Get(context.Background(), item.ArtifactKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("png:post-1"), stored)
	assert.Equal(t, stored, item.Screenshot)
}

func TestStream_SkipsPostsWithoutPermalink(t *testing.T) {
	noLink := browsertest.NewElement("ad").WithChild("text", browsertest.NewElement("sponsored"))
	h := newHarness(t, testConfig(), []*browsertest.Element{noLink, post("1", "a")})
	s := h.stream(t, Options{})

	assert.Equal(t, []string{postURL("1")}, nextURLs(t, s, 1))
}

func TestStream_KeywordFilterIsCaseFolded(t *testing.T) {
	h := newHarness(t, testConfig(), []*browsertest.Element{
		post("1", "We are hiring Go devs"),
		post("2", "lunch photos"),
		post("3", "HIRING now"),
	})
	s := h.stream(t, Options{Keywords: []string{" Hiring "}, IdleTimeout: 5 * time.Second})

	assert.Equal(t, []string{postURL("1"), postURL("3")}, nextURLs(t, s, 2))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrIdle)
}

func TestStream_BackoffDoublesAndCaps(t *testing.T) {
	h := newHarness(t, testConfig(), []*browsertest.Element{post("1", "a")})
	s := h.stream(t, Options{IdleTimeout: 10 * time.Second})

	nextURLs(t, s, 1)
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrIdle)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, h.clock.Sleeps())
}

func TestStream_BackoffResetsOnNewItem(t *testing.T) {
	h := newHarness(t, testConfig(),
		[]*browsertest.Element{post("1", "a")},
		nil,
		nil,
		[]*browsertest.Element{post("2", "b")},
	)
	s := h.stream(t, Options{IdleTimeout: 5 * time.Second})

	assert.Equal(t, []string{postURL("1"), postURL("2")}, nextURLs(t, s, 2))
	assert.Equal(t, 4*time.Second, s.Backoff())

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrIdle)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second,
		time.Second, 2 * time.Second, 4 * time.Second,
	}, h.clock.Sleeps())
}

func TestStream_RateLimitsNewItems(t *testing.T) {
	cfg := testConfig()
	cfg.BucketCapacity = 1
	cfg.RefillPerSecond = 0.5
	h := newHarness(t, cfg, []*browsertest.Element{post("1", "a"), post("2", "b")})
	s := h.stream(t, Options{})

	nextURLs(t, s, 2)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Sleeps())
}

func TestStream_Deadline(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.stream(t, Options{Deadline: h.clock.Now().Add(3 * time.Second)})

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrDeadline)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.clock.Sleeps())
}

func TestStream_StopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig(), []*browsertest.Element{post("1", "a")})
	s := h.stream(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscover_RejectsBadBucketConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RefillPerSecond = 0
	h := newHarness(t, cfg)

	_, err := h.loop.Discover(nil, groupURL, Options{})
	assert.Error(t, err)
}
