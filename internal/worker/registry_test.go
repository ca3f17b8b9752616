package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-groupwatch/internal/action"
	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/browser/browsertest"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/core/postgres/repository"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/infrastructure/blob"
	"go-groupwatch/internal/logging"
	"go-groupwatch/internal/session"
)

const postURL = "https://site.test/groups/g/posts/1"

type recordingStarter struct {
	snaps []domain.StartWorkflowPayload
	err   error
}

func (s *recordingStarter) Start(_ context.Context, snap domain.StartWorkflowPayload) (*domain.WorkflowRun, error) {
	s.snaps = append(s.snaps, snap)
	return nil, s.err
}

// flakyLeads fails transitions into failTo with failErr.
type flakyLeads struct {
	ports.LeadRepository
	failTo  domain.LeadStatus
	failErr error
}

func (l *flakyLeads) Transition(ctx context.Context, id uuid.UUID, from, to domain.LeadStatus, update domain.LeadUpdate) error {
	if l.failErr != nil && to == l.failTo {
		return l.failErr
	}
	return l.LeadRepository.Transition(ctx, id, from, to, update)
}

type commentFixture struct {
	*workerFixture
	worker *Worker
	site   *browsertest.Site
	leads  ports.LeadRepository
	flaky  *flakyLeads
	lead   *domain.Lead
}

func newCommentFixture(t *testing.T) *commentFixture {
	t.Helper()
	ctx := context.Background()
	wf := newWorkerFixture(t)
	db := wf.db

	accounts := repository.NewAccountRepository(db)
	workflows := repository.NewWorkflowRepository(db)
	leads := repository.NewLeadRepository(db)

	bucket, err := blob.Open(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bucket.Close() })
	store := blob.NewSessionStore(bucket)

	account := domain.NewAccount(uuid.New(), "main")
	require.NoError(t, accounts.Create(ctx, account))
	require.NoError(t, accounts.UpdateStatus(ctx, account.ID, domain.AccountReady))
	_, err = store.Put(ctx, account.TenantID, account.ID, browser.StorageState{})
	require.NoError(t, err)

	node := domain.NodeSnapshot{ID: uuid.New(), GroupURL: "https://site.test/groups/g", IsActive: true}
	require.NoError(t, workflows.SaveSnapshot(ctx, domain.StartWorkflowPayload{
		ID: uuid.New(), AccountID: account.ID, Nodes: []domain.NodeSnapshot{node},
	}))

	lead := domain.NewLead(node.ID, uuid.New(), "fp", postURL)
	require.NoError(t, leads.Create(ctx, lead))
	reply := "Happy to help, sent you a message"
	require.NoError(t, leads.Transition(ctx, lead.ID, domain.LeadCaptured, domain.LeadProcessed, domain.LeadUpdate{}))
	require.NoError(t, leads.Transition(ctx, lead.ID, domain.LeadProcessed, domain.LeadReadyToComment, domain.LeadUpdate{Reply: &reply}))

	site := browsertest.NewSite("article")
	scfg := session.DefaultConfig()
	scfg.WaitTimeout = 50 * time.Millisecond
	sessions := session.NewManager(scfg, browsertest.NewLauncher(site), store, accounts, wf.clock, nil, logging.Discard())
	executor := action.NewExecutor(action.Config{EditorSelectors: []string{"div.editor"}, ConfirmPrefix: 20}, nil, logging.Discard())

	flaky := &flakyLeads{LeadRepository: leads}
	comments := NewCommentHandler(flaky, workflows, accounts, sessions, executor, logging.Discard())
	f := &commentFixture{
		workerFixture: wf,
		site:          site,
		leads:         leads,
		flaky:         flaky,
		lead:          lead,
	}
	f.worker = wf.worker(InitRegistry(&recordingStarter{}, comments))
	return f
}

func (f *commentFixture) enqueueComment(t *testing.T, key, text string) (*domain.Job, bool) {
	t.Helper()
	payload, err := json.Marshal(domain.PostCommentPayload{LeadID: f.lead.ID, PostURL: postURL, CommentText: text})
	require.NoError(t, err)
	job := domain.NewJob(domain.JobPostComment, key, payload, 3)
	created, err := f.jobs.Enqueue(context.Background(), job)
	require.NoError(t, err)
	if created {
		require.NoError(t, f.queue.Push(context.Background(), job.ID.String()))
	}
	return job, created
}

func (f *commentFixture) leadStatus(t *testing.T) *domain.Lead {
	t.Helper()
	l, err := f.leads.GetByID(context.Background(), f.lead.ID)
	require.NoError(t, err)
	return l
}

func TestPostComment_SameLeadPostsOnce(t *testing.T) {
	f := newCommentFixture(t)
	editor := browsertest.NewElement("")
	f.site.AddPage(postURL, &browsertest.SitePage{
		Static: map[string][]*browsertest.Element{"div.editor": {editor}},
	})

	key := domain.CommentJobKey(f.lead.ID)
	job, created := f.enqueueComment(t, key, "Thanks, check your inbox")
	require.True(t, created)
	_, created = f.enqueueComment(t, key, "Thanks, check your inbox")
	assert.False(t, created, "same idempotency key must not create a second job")
	// the queue may still deliver the same id twice
	require.NoError(t, f.queue.Push(context.Background(), job.ID.String()))

	f.worker.ProcessNextJob(context.Background())
	f.worker.ProcessNextJob(context.Background())

	assert.Equal(t, []string{"Thanks, check your inbox"}, editor.Submitted())
	lead := f.leadStatus(t)
	assert.Equal(t, domain.LeadCommented, lead.Status)
	require.NotNil(t, lead.Reply)
	assert.Equal(t, "Thanks, check your inbox", *lead.Reply)
	assert.Equal(t, domain.JobCompleted, f.job(t, job.ID).Status)

	// a second job for an already commented lead is a no-op
	other, created := f.enqueueComment(t, "comment:manual-retry", "again")
	require.True(t, created)
	f.worker.ProcessNextJob(context.Background())
	assert.Len(t, editor.Submitted(), 1)
	assert.Equal(t, domain.JobCompleted, f.job(t, other.ID).Status)
}

func TestPostComment_UnrecordedReplyIsNotPostedAgain(t *testing.T) {
	f := newCommentFixture(t)
	editor := browsertest.NewElement("")
	f.site.AddPage(postURL, &browsertest.SitePage{
		Static: map[string][]*browsertest.Element{"div.editor": {editor}},
	})
	f.flaky.failTo = domain.LeadCommented
	f.flaky.failErr = errors.New("connection reset")

	job, _ := f.enqueueComment(t, domain.CommentJobKey(f.lead.ID), "Thanks, check your inbox")
	f.worker.ProcessNextJob(context.Background())

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobDead, got.Status)
	assert.Contains(t, got.LastError, ErrReplyUnrecorded.Error())
	assert.Equal(t, domain.LeadReadyToComment, f.leadStatus(t).Status, "exhaustion must not mark a posted lead failed")

	// later deliveries of the same job find it dead
	f.flaky.failErr = nil
	require.NoError(t, f.queue.Push(context.Background(), job.ID.String()))
	f.next(t, f.worker, time.Minute)
	assert.Equal(t, []string{"Thanks, check your inbox"}, editor.Submitted())
}

func TestPostComment_FallsBackToStoredReply(t *testing.T) {
	f := newCommentFixture(t)
	editor := browsertest.NewElement("")
	f.site.AddPage(postURL, &browsertest.SitePage{
		Static: map[string][]*browsertest.Element{"div.editor": {editor}},
	})

	f.enqueueComment(t, domain.CommentJobKey(f.lead.ID), "")
	f.worker.ProcessNextJob(context.Background())

	assert.Equal(t, []string{"Happy to help, sent you a message"}, editor.Submitted())
}

func TestPostComment_ExhaustedMarksLeadFailed(t *testing.T) {
	f := newCommentFixture(t)
	job, _ := f.enqueueComment(t, domain.CommentJobKey(f.lead.ID), "hello")

	f.worker.ProcessNextJob(context.Background())
	f.next(t, f.worker, 10*time.Second)
	f.next(t, f.worker, 20*time.Second)

	got := f.job(t, job.ID)
	assert.Equal(t, domain.JobDead, got.Status)
	assert.Contains(t, got.LastError, domain.ErrEditorNotFound.Error())

	lead := f.leadStatus(t)
	assert.Equal(t, domain.LeadFailed, lead.Status)
	assert.Contains(t, lead.LastError, domain.ErrEditorNotFound.Error())
}

func TestPostComment_LeadNotReadyIsDead(t *testing.T) {
	f := newCommentFixture(t)
	other := domain.NewLead(f.lead.NodeID, uuid.New(), "fp2", postURL+"?x")
	require.NoError(t, f.leads.Create(context.Background(), other))
	f.lead = other

	job, _ := f.enqueueComment(t, domain.CommentJobKey(other.ID), "hello")
	f.worker.ProcessNextJob(context.Background())

	assert.Equal(t, domain.JobDead, f.job(t, job.ID).Status)
	assert.Equal(t, domain.LeadCaptured, f.leadStatus(t).Status)
}

func TestStartWorkflowHandler(t *testing.T) {
	starter := &recordingStarter{}
	run := StartWorkflowHandler(starter)

	snap := domain.StartWorkflowPayload{ID: uuid.New(), AccountID: uuid.New()}
	payload, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), &domain.Job{Payload: payload}))
	require.Len(t, starter.snaps, 1)
	assert.Equal(t, snap.ID, starter.snaps[0].ID)

	err = run(context.Background(), &domain.Job{Payload: []byte(`not json`)})
	assert.True(t, domain.IsPermanent(err))
	err = run(context.Background(), &domain.Job{Payload: []byte(`{}`)})
	assert.True(t, domain.IsPermanent(err))
}
