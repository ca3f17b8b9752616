package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/core/postgres/repository"
	"go-groupwatch/internal/core/postgres/repository/repotest"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/infrastructure/blob"
	"go-groupwatch/internal/logging"
	"go-groupwatch/internal/replygen"
)

type chanBus struct {
	leads chan domain.LeadCapturedEvent
	stops chan domain.WorkflowStopRequestedEvent
}

func newChanBus() *chanBus {
	return &chanBus{
		leads: make(chan domain.LeadCapturedEvent, 4),
		stops: make(chan domain.WorkflowStopRequestedEvent, 4),
	}
}

func (b *chanBus) PublishLeadCaptured(_ context.Context, e domain.LeadCapturedEvent) error {
	b.leads <- e
	return nil
}

func (b *chanBus) SubscribeLeadCaptured(context.Context) (<-chan domain.LeadCapturedEvent, error) {
	return b.leads, nil
}

func (b *chanBus) PublishStopRequested(_ context.Context, e domain.WorkflowStopRequestedEvent) error {
	b.stops <- e
	return nil
}

func (b *chanBus) SubscribeStopRequested(context.Context) (<-chan domain.WorkflowStopRequestedEvent, error) {
	return b.stops, nil
}

type sent struct {
	webhook string
	req     replygen.Request
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *recordingSender) Send(_ context.Context, webhook string, req replygen.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{webhook, req})
	return s.err
}

func (s *recordingSender) requests() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fixture struct {
	coord     *Coordinator
	bus       *chanBus
	sender    *recordingSender
	leads     ports.LeadRepository
	workflows ports.WorkflowRepository
	artifacts ports.ArtifactStore
	node      domain.NodeSnapshot
	snapshot  domain.StartWorkflowPayload
}

func newFixture(t *testing.T, webhook *string) *fixture {
	t.Helper()
	ctx := context.Background()
	db := repotest.Open(t)
	bucket, err := blob.Open(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bucket.Close() })

	f := &fixture{
		bus:       newChanBus(),
		sender:    &recordingSender{},
		leads:     repository.NewLeadRepository(db),
		workflows: repository.NewWorkflowRepository(db),
		artifacts: blob.NewArtifactStore(bucket),
	}
	f.node = domain.NodeSnapshot{
		ID: uuid.New(), GroupURL: "https://site.test/groups/g", GroupName: "Go Jobs",
		Prompt: "be friendly", IsActive: true,
	}
	f.snapshot = domain.StartWorkflowPayload{ID: uuid.New(), AccountID: uuid.New(), WebhookURL: webhook, Nodes: []domain.NodeSnapshot{f.node}}
	require.NoError(t, f.workflows.SaveSnapshot(ctx, f.snapshot))

	f.coord = NewCoordinator(Config{PublicURL: "https://gw.test/", DefaultWebhookURL: "https://default.test/hook"},
		f.leads, f.workflows, f.artifacts, f.bus, f.sender, logging.Discard())
	return f
}

func (f *fixture) lead(t *testing.T, withArtifact bool) *domain.Lead {
	t.Helper()
	runID := uuid.New()
	lead := domain.NewLead(f.node.ID, runID, "fp1", "https://site.test/groups/g/posts/"+uuid.NewString())
	lead.Author = "Ann"
	lead.Snippet = "anyone hiring Go devs?"
	if withArtifact {
		lead.ArtifactKey = domain.ArtifactKey(f.snapshot.ID, runID, "fp1")
		require.NoError(t, f.artifacts.Put(context.Background(), lead.ArtifactKey, []byte("png-bytes")))
	}
	require.NoError(t, f.leads.Create(context.Background(), lead))
	return lead
}

func TestHandleLeadCaptured_BuildsRequest(t *testing.T) {
	hook := "https://workflow.test/hook"
	f := newFixture(t, &hook)
	lead := f.lead(t, true)

	require.NoError(t, f.coord.HandleLeadCaptured(context.Background(), domain.LeadCapturedEvent{LeadID: lead.ID}))

	reqs := f.sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, hook, reqs[0].webhook)
	assert.Equal(t, replygen.Request{
		LeadID:           lead.ID,
		WorkflowID:       f.snapshot.ID,
		NodeID:           f.node.ID,
		GroupName:        "Go Jobs",
		Prompt:           "be friendly",
		PostURL:          lead.SourceURL,
		Author:           "Ann",
		Text:             "anyone hiring Go devs?",
		ScreenshotBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		CallbackURL:      "https://gw.test/leads/" + lead.ID.String() + "/callback",
	}, reqs[0].req)
}

func TestHandleLeadCaptured_DefaultWebhookAndMissingArtifact(t *testing.T) {
	f := newFixture(t, nil)
	lead := f.lead(t, false)
	lead2 := f.lead(t, false)
	require.NoError(t, f.leads.Transition(context.Background(), lead2.ID, domain.LeadCaptured, domain.LeadProcessed, domain.LeadUpdate{}))

	require.NoError(t, f.coord.HandleLeadCaptured(context.Background(), domain.LeadCapturedEvent{LeadID: lead.ID}))
	require.NoError(t, f.coord.HandleLeadCaptured(context.Background(), domain.LeadCapturedEvent{LeadID: lead2.ID}))

	reqs := f.sender.requests()
	require.Len(t, reqs, 1, "a lead past captured is not forwarded again")
	assert.Equal(t, "https://default.test/hook", reqs[0].webhook)
	assert.Empty(t, reqs[0].req.ScreenshotBase64)
}

func TestHandleLeadCaptured_Errors(t *testing.T) {
	f := newFixture(t, nil)

	err := f.coord.HandleLeadCaptured(context.Background(), domain.LeadCapturedEvent{LeadID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.sender.err = errors.New("boom")
	lead := f.lead(t, false)
	assert.Error(t, f.coord.HandleLeadCaptured(context.Background(), domain.LeadCapturedEvent{LeadID: lead.ID}))
}

func TestForwardLeads_ConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.ForwardLeads(ctx) }()

	first := f.lead(t, false)
	second := f.lead(t, false)
	require.NoError(t, f.bus.PublishLeadCaptured(ctx, domain.LeadCapturedEvent{LeadID: uuid.New()}))
	require.NoError(t, f.bus.PublishLeadCaptured(ctx, domain.LeadCapturedEvent{LeadID: first.ID}))
	require.NoError(t, f.bus.PublishLeadCaptured(ctx, domain.LeadCapturedEvent{LeadID: second.ID}))

	require.Eventually(t, func() bool { return len(f.sender.requests()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type recordingStopper struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *recordingStopper) Stop(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true, nil
}

func (s *recordingStopper) stopped() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.ids...)
}

func TestHandleStops(t *testing.T) {
	f := newFixture(t, nil)
	stopper := &recordingStopper{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.HandleStops(ctx, stopper) }()

	id := uuid.New()
	require.NoError(t, f.bus.PublishStopRequested(ctx, domain.WorkflowStopRequestedEvent{WorkflowID: id}))

	require.Eventually(t, func() bool { return len(stopper.stopped()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, stopper.stopped()[0])
	cancel()
	require.NoError(t, <-done)
}
