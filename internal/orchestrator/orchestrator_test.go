package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/runbook"
)

const orchRunbookYAML = `
name: tenant-moves
data_source:
  type: dataverse
  connection: CRM_URL
  query: "SELECT upn FROM moves"
  primary_key: upn
  batch_time: immediate
init:
  - name: provision
    worker_id: control
    function: ProvisionTenant
    params:
      batch: "{{_batch_id}}"
  - name: warm-cache
    worker_id: control
    function: WarmCache
phases:
  - name: migrate
    offset: T-0
    steps:
      - name: move-mailbox
        worker_id: exchange
        function: MoveMailbox
        params:
          upn: "{{upn}}"
        output_params:
          TargetHost: targetHost
        on_failure: undo-move
        retry:
          max_retries: 1
          interval: 1m
      - name: verify
        worker_id: exchange
        function: VerifyMailbox
        params:
          upn: "{{upn}}"
          host: "{{TargetHost}}"
on_member_removed:
  - name: release-license
    worker_id: control
    function: ReleaseLicense
    params:
      upn: "{{upn}}"
rollbacks:
  undo-move:
    - name: restore-mailbox
      worker_id: exchange
      function: RestoreMailbox
      params:
        upn: "{{upn}}"
`

const pollRunbookYAML = `
name: archive-sync
data_source:
  type: dataverse
  connection: CRM_URL
  query: "SELECT upn FROM archives"
  primary_key: upn
  batch_time: immediate
phases:
  - name: sync
    offset: T-0
    steps:
      - name: sync-archive
        worker_id: archive
        function: SyncArchive
        params:
          upn: "{{upn}}"
        poll:
          interval: 1m
          timeout: 30m
`

// harness wires a real store, an in-process broker and an orchestrator, and
// captures every job that reaches the worker-jobs subject.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *db.Store
	broker *messaging.MemoryBroker
	orch   *Orchestrator
	rec    *db.RunbookRecord
	def    *runbook.Runbook

	mu   sync.Mutex
	jobs []*messaging.Job
}

func newHarness(t *testing.T, yamlDoc string, opts ...Option) *harness {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rb, err := runbook.Parse([]byte(yamlDoc))
	require.NoError(t, err)
	rec, err := store.PublishRunbook(context.Background(), rb, yamlDoc, db.PublishOptions{})
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		broker: messaging.NewMemoryBroker(),
		rec:    rec,
		def:    rb,
	}
	h.orch = New(store, h.broker, opts...)
	require.NoError(t, h.orch.Start(h.ctx))
	require.NoError(t, h.broker.Subscribe(h.ctx, messaging.SubjectJobs, "workers",
		func(_ context.Context, msg *messaging.Message) error {
			var job messaging.Job
			if err := messaging.Decode(msg.Body, &job); err != nil {
				return err
			}
			h.mu.Lock()
			h.jobs = append(h.jobs, &job)
			h.mu.Unlock()
			return nil
		}))
	return h
}

// takeJobs returns the jobs captured since the last call.
func (h *harness) takeJobs() []*messaging.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	jobs := h.jobs
	h.jobs = nil
	return jobs
}

// newBatch creates a batch with one active member per key and phase
// executions for every phase. The batch starts in detected status.
func (h *harness) newBatch(keys ...string) (*db.Batch, []*db.Member) {
	h.t.Helper()
	batch, err := h.store.CreateBatch(h.ctx, h.rec.ID, time.Now().UTC(), false, "")
	require.NoError(h.t, err)

	var members []*db.Member
	for _, key := range keys {
		m, err := h.store.AddMember(h.ctx, batch.ID, key, fmt.Sprintf(`{"upn":%q}`, key))
		require.NoError(h.t, err)
		members = append(members, m)
	}

	specs, err := db.PhaseSpecs(h.def)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.CreatePhaseExecutions(h.ctx, batch.ID, batch.BatchStartTime, h.rec.Version, specs))

	// The scheduler marks a phase dispatched before announcing it; tests
	// drive the handlers directly, so mimic that here.
	phases, err := h.store.PhaseExecutions(h.ctx, batch.ID)
	require.NoError(h.t, err)
	for _, phase := range phases {
		_, err := h.store.MarkPhaseDispatched(h.ctx, phase.ID)
		require.NoError(h.t, err)
	}
	return batch, members
}

// newActiveBatch creates a batch already past init.
func (h *harness) newActiveBatch(keys ...string) (*db.Batch, []*db.Member) {
	h.t.Helper()
	batch, members := h.newBatch(keys...)
	ok, err := h.store.TransitionBatch(h.ctx, batch.ID, db.BatchDetected, db.BatchActive)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return batch, members
}

// newInitBatch creates a batch announced for init.
func (h *harness) newInitBatch(keys ...string) (*db.Batch, []*db.Member) {
	h.t.Helper()
	batch, members := h.newBatch(keys...)
	ok, err := h.store.MarkInitDispatched(h.ctx, batch.ID)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return batch, members
}

func (h *harness) initEvent(batchID int64) *messaging.BatchInit {
	return &messaging.BatchInit{
		MessageType:    messaging.TypeBatchInit,
		RunbookName:    h.rec.Name,
		RunbookVersion: h.rec.Version,
		BatchID:        batchID,
	}
}

func (h *harness) phaseID(batchID int64) int64 {
	h.t.Helper()
	phases, err := h.store.PhaseExecutions(h.ctx, batchID)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, phases)
	return phases[0].ID
}

// sendResult publishes a worker result correlated to a captured job.
func (h *harness) sendResult(job *messaging.Job, status, body string, werr *messaging.ResultError) {
	h.t.Helper()
	res := messaging.Result{
		JobID:           job.JobID,
		Status:          status,
		Result:          json.RawMessage(body),
		Error:           werr,
		Timestamp:       time.Now().UTC(),
		CorrelationData: job.CorrelationData,
	}
	encoded, err := messaging.Encode(&res)
	require.NoError(h.t, err)
	require.NoError(h.t, h.broker.Publish(h.ctx, messaging.SubjectResults, encoded, nil))
}

func (h *harness) batchStatus(id int64) string {
	h.t.Helper()
	batch, err := h.store.GetBatch(h.ctx, id)
	require.NoError(h.t, err)
	return batch.Status
}

func (h *harness) phaseStatus(id int64) string {
	h.t.Helper()
	phase, err := h.store.GetPhaseExecution(h.ctx, id)
	require.NoError(h.t, err)
	return phase.Status
}

func TestInitSequenceActivatesBatch(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newInitBatch("a@contoso.com")

	require.NoError(t, h.orch.HandleBatchInit(h.ctx, h.initEvent(batch.ID)))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ProvisionTenant", jobs[0].FunctionName)
	assert.Equal(t, "control", jobs[0].WorkerID)
	assert.Equal(t, fmt.Sprintf("%d", batch.ID), jobs[0].Parameters["batch"])
	assert.True(t, jobs[0].CorrelationData.IsInitStep)

	// A redelivered announcement sees the in-flight init and does nothing.
	require.NoError(t, h.orch.HandleBatchInit(h.ctx, h.initEvent(batch.ID)))
	assert.Empty(t, h.takeJobs())

	h.sendResult(jobs[0], messaging.StatusSuccess, `{}`, nil)
	jobs = h.takeJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "WarmCache", jobs[0].FunctionName)

	h.sendResult(jobs[0], messaging.StatusSuccess, `{}`, nil)
	assert.Equal(t, db.BatchActive, h.batchStatus(batch.ID))
	assert.Empty(t, h.broker.DeadLetters())
}

func TestInitFailureFailsBatch(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newInitBatch("a@contoso.com")

	require.NoError(t, h.orch.HandleBatchInit(h.ctx, h.initEvent(batch.ID)))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)

	// Init steps carry no retry block, so one failure is terminal.
	h.sendResult(jobs[0], messaging.StatusFailure, `{}`, &messaging.ResultError{Message: "tenant unavailable"})
	assert.Equal(t, db.BatchFailed, h.batchStatus(batch.ID))
	assert.Empty(t, h.takeJobs())
}

func TestInitRerunUnderNewVersion(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newActiveBatch("a@contoso.com")

	rb, err := runbook.Parse([]byte(orchRunbookYAML))
	require.NoError(t, err)
	rec2, err := h.store.PublishRunbook(h.ctx, rb, orchRunbookYAML, db.PublishOptions{RerunInit: true})
	require.NoError(t, err)
	require.Equal(t, 2, rec2.Version)

	// The announcement carries the new version; its init rows are created
	// alongside the batch's own generation and the batch stays active.
	ev := &messaging.BatchInit{
		MessageType:    messaging.TypeBatchInit,
		RunbookName:    rec2.Name,
		RunbookVersion: rec2.Version,
		BatchID:        batch.ID,
	}
	require.NoError(t, h.orch.HandleBatchInit(h.ctx, ev))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ProvisionTenant", jobs[0].FunctionName)
	assert.Equal(t, rec2.Version, jobs[0].CorrelationData.RunbookVersion)
	assert.Equal(t, db.BatchActive, h.batchStatus(batch.ID))

	h.sendResult(jobs[0], messaging.StatusSuccess, `{}`, nil)
	jobs = h.takeJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "WarmCache", jobs[0].FunctionName)

	h.sendResult(jobs[0], messaging.StatusSuccess, `{}`, nil)
	assert.Empty(t, h.takeJobs())
	assert.Equal(t, db.BatchActive, h.batchStatus(batch.ID))
}

func TestPhaseDueDispatchesEachActiveMember(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, members := h.newActiveBatch("a@contoso.com", "b@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	jobs := h.takeJobs()
	require.Len(t, jobs, 2)
	upns := map[string]bool{}
	for _, job := range jobs {
		assert.Equal(t, "MoveMailbox", job.FunctionName)
		upns[job.Parameters["upn"]] = true
	}
	assert.True(t, upns[members[0].MemberKey])
	assert.True(t, upns[members[1].MemberKey])

	// Redelivery finds every member's first step already dispatched.
	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	assert.Empty(t, h.takeJobs())
}

func TestSuccessMergesOutputsAndAdvances(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, members := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)

	h.sendResult(jobs[0], messaging.StatusSuccess, `{"complete":true,"data":{"targetHost":"mbx-07"}}`, nil)

	// The extracted output feeds the next step's template.
	jobs = h.takeJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "VerifyMailbox", jobs[0].FunctionName)
	assert.Equal(t, "mbx-07", jobs[0].Parameters["host"])
	assert.Equal(t, "a@contoso.com", jobs[0].Parameters["upn"])

	m, err := h.store.GetMember(h.ctx, members[0].ID)
	require.NoError(t, err)
	assert.Contains(t, m.WorkerDataJSON, "mbx-07")
}

func TestPhaseAndBatchCompletion(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	move := h.takeJobs()
	require.Len(t, move, 1)
	h.sendResult(move[0], messaging.StatusSuccess, `{"data":{"targetHost":"mbx-01"}}`, nil)

	verify := h.takeJobs()
	require.Len(t, verify, 1)
	h.sendResult(verify[0], messaging.StatusSuccess, `{}`, nil)

	assert.Equal(t, db.PhaseCompleted, h.phaseStatus(phaseID))
	assert.Equal(t, db.BatchCompleted, h.batchStatus(batch.ID))
}

func TestDuplicateResultIgnored(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	move := h.takeJobs()
	require.Len(t, move, 1)

	body := `{"data":{"targetHost":"mbx-01"}}`
	h.sendResult(move[0], messaging.StatusSuccess, body, nil)
	require.Len(t, h.takeJobs(), 1)

	// The duplicate hits the terminal-state guard and triggers nothing.
	h.sendResult(move[0], messaging.StatusSuccess, body, nil)
	assert.Empty(t, h.takeJobs())
}

func TestRetryExhaustionIsolatesMember(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, members := h.newActiveBatch("a@contoso.com", "b@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	jobs := h.takeJobs()
	require.Len(t, jobs, 2)
	var aJob, bJob *messaging.Job
	for _, job := range jobs {
		if job.Parameters["upn"] == members[0].MemberKey {
			aJob = job
		} else {
			bJob = job
		}
	}
	require.NotNil(t, aJob)
	require.NotNil(t, bJob)

	// First failure consumes the retry budget: no immediate redispatch, a
	// retry-check is scheduled for later.
	h.sendResult(aJob, messaging.StatusFailure, `{}`, &messaging.ResultError{Message: "mailbox locked"})
	assert.Empty(t, h.takeJobs())

	require.NoError(t, h.broker.DeliverDue(h.ctx, time.Now().Add(2*time.Minute)))
	retried := h.takeJobs()
	require.Len(t, retried, 1)
	assert.Equal(t, "MoveMailbox", retried[0].FunctionName)
	assert.Contains(t, retried[0].JobID, "-retry-1")

	// Second failure exhausts retries: the rollback fires and the member is
	// isolated, cancelling their verify step.
	h.sendResult(retried[0], messaging.StatusFailure, `{}`, &messaging.ResultError{Message: "mailbox locked"})
	rollback := h.takeJobs()
	require.Len(t, rollback, 1)
	assert.Equal(t, "RestoreMailbox", rollback[0].FunctionName)
	assert.Equal(t, members[0].MemberKey, rollback[0].Parameters["upn"])

	a, err := h.store.GetMember(h.ctx, members[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.MemberFailed, a.Status)

	// The healthy member is untouched and carries the phase to completion.
	h.sendResult(bJob, messaging.StatusSuccess, `{"data":{"targetHost":"mbx-02"}}`, nil)
	verify := h.takeJobs()
	require.Len(t, verify, 1)
	h.sendResult(verify[0], messaging.StatusSuccess, `{}`, nil)

	assert.Equal(t, db.PhaseCompleted, h.phaseStatus(phaseID))
	assert.Equal(t, db.BatchCompleted, h.batchStatus(batch.ID))
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)

	h.sendResult(jobs[0], messaging.StatusFailure, `{}`, &messaging.ResultError{Message: "throttled", IsThrottled: true})
	require.NoError(t, h.broker.DeliverDue(h.ctx, time.Now().Add(2*time.Minute)))
	retried := h.takeJobs()
	require.Len(t, retried, 1)

	h.sendResult(retried[0], messaging.StatusSuccess, `{"data":{"targetHost":"mbx-09"}}`, nil)
	verify := h.takeJobs()
	require.Len(t, verify, 1)
	assert.Equal(t, "VerifyMailbox", verify[0].FunctionName)
	assert.Equal(t, "mbx-09", verify[0].Parameters["host"])

	h.sendResult(verify[0], messaging.StatusSuccess, `{}`, nil)
	assert.Equal(t, db.PhaseCompleted, h.phaseStatus(phaseID))
	assert.Equal(t, db.BatchCompleted, h.batchStatus(batch.ID))
}

func TestPollLifecycle(t *testing.T) {
	h := newHarness(t, pollRunbookYAML)
	batch, _ := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)
	execID := *jobs[0].CorrelationData.StepExecutionID

	// Not done yet: the execution parks in polling, nothing is dispatched.
	h.sendResult(jobs[0], messaging.StatusSuccess, `{"complete":false}`, nil)
	assert.Empty(t, h.takeJobs())
	exec, err := h.store.GetExecution(h.ctx, execID, false)
	require.NoError(t, err)
	assert.Equal(t, db.StepPolling, exec.Status)
	assert.Equal(t, 1, exec.PollCount)

	// The poll clock re-dispatches under a poll job id.
	require.NoError(t, h.orch.HandlePollCheck(h.ctx, &messaging.PollCheck{StepExecutionID: &execID}))
	polled := h.takeJobs()
	require.Len(t, polled, 1)
	assert.Equal(t, fmt.Sprintf("step-%d-poll-1", execID), polled[0].JobID)
	assert.Equal(t, "SyncArchive", polled[0].FunctionName)

	h.sendResult(polled[0], messaging.StatusSuccess, `{"complete":true,"data":{}}`, nil)
	assert.Equal(t, db.PhaseCompleted, h.phaseStatus(phaseID))
	assert.Equal(t, db.BatchCompleted, h.batchStatus(batch.ID))
}

func TestPollTimeoutFailsMember(t *testing.T) {
	// The orchestrator's clock sits one hour ahead, past the 30m timeout.
	h := newHarness(t, pollRunbookYAML, WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	batch, members := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	jobs := h.takeJobs()
	require.Len(t, jobs, 1)
	execID := *jobs[0].CorrelationData.StepExecutionID
	h.sendResult(jobs[0], messaging.StatusSuccess, `{"complete":false}`, nil)

	require.NoError(t, h.orch.HandlePollCheck(h.ctx, &messaging.PollCheck{StepExecutionID: &execID}))
	assert.Empty(t, h.takeJobs())

	exec, err := h.store.GetExecution(h.ctx, execID, false)
	require.NoError(t, err)
	assert.Equal(t, db.StepPollTimeout, exec.Status)

	m, err := h.store.GetMember(h.ctx, members[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.MemberFailed, m.Status)
	assert.Equal(t, db.PhaseFailed, h.phaseStatus(phaseID))
	assert.Equal(t, db.BatchFailed, h.batchStatus(batch.ID))
}

func TestMemberRemovedCancelsAndRunsHooks(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, members := h.newActiveBatch("a@contoso.com", "b@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	h.takeJobs()

	ok, err := h.store.MarkMemberRemoved(h.ctx, members[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.orch.HandleMemberRemoved(h.ctx, &messaging.MemberChange{
		BatchID: batch.ID, BatchMemberID: members[0].ID, MemberKey: members[0].MemberKey,
	}))

	hooks := h.takeJobs()
	require.Len(t, hooks, 1)
	assert.Equal(t, "ReleaseLicense", hooks[0].FunctionName)
	assert.Equal(t, members[0].MemberKey, hooks[0].Parameters["upn"])

	execs, err := h.store.MemberStepExecutions(h.ctx, phaseID, members[0].ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		assert.Equal(t, db.StepCancelled, e.Status)
	}
	// The remaining member keeps the phase open.
	assert.Equal(t, db.PhaseDispatched, h.phaseStatus(phaseID))
}

func TestMemberAddedCatchesUp(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, _ := h.newActiveBatch("a@contoso.com")
	phaseID := h.phaseID(batch.ID)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	h.takeJobs()

	late, err := h.store.AddMember(h.ctx, batch.ID, "late@contoso.com", `{"upn":"late@contoso.com"}`)
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleMemberAdded(h.ctx, &messaging.MemberChange{
		BatchID: batch.ID, BatchMemberID: late.ID, MemberKey: late.MemberKey,
	}))

	jobs := h.takeJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "MoveMailbox", jobs[0].FunctionName)
	assert.Equal(t, "late@contoso.com", jobs[0].Parameters["upn"])

	execs, err := h.store.MemberStepExecutions(h.ctx, phaseID, late.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestTemplateFailureIsTerminal(t *testing.T) {
	h := newHarness(t, orchRunbookYAML)
	batch, err := h.store.CreateBatch(h.ctx, h.rec.ID, time.Now().UTC(), false, "")
	require.NoError(t, err)
	// Member data missing the upn key the steps template against.
	m, err := h.store.AddMember(h.ctx, batch.ID, "broken", `{}`)
	require.NoError(t, err)
	specs, err := db.PhaseSpecs(h.def)
	require.NoError(t, err)
	require.NoError(t, h.store.CreatePhaseExecutions(h.ctx, batch.ID, batch.BatchStartTime, h.rec.Version, specs))
	_, err = h.store.TransitionBatch(h.ctx, batch.ID, db.BatchDetected, db.BatchActive)
	require.NoError(t, err)
	phaseID := h.phaseID(batch.ID)
	_, err = h.store.MarkPhaseDispatched(h.ctx, phaseID)
	require.NoError(t, err)

	require.NoError(t, h.orch.HandlePhaseDue(h.ctx, &messaging.PhaseDue{PhaseExecutionID: phaseID}))
	assert.Empty(t, h.takeJobs())

	execs, err := h.store.MemberStepExecutions(h.ctx, phaseID, m.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, db.StepFailed, execs[0].Status)
	require.NotNil(t, execs[0].ErrorMessage)
	assert.Contains(t, *execs[0].ErrorMessage, "upn")

	member, err := h.store.GetMember(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, db.MemberFailed, member.Status)
	assert.Equal(t, db.PhaseFailed, h.phaseStatus(phaseID))
}
