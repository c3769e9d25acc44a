package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftctl/runbookd/internal/datasource"
	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/runbook"
)

const scheduledRunbookYAML = `
name: mailbox-moves
data_source:
  type: dataverse
  connection: CRM_URL
  query: "SELECT upn, move_at FROM moves"
  primary_key: upn
  batch_time_column: move_at
phases:
  - name: migrate
    offset: T-0
    steps:
      - name: move-mailbox
        worker_id: exchange
        function: MoveMailbox
        params:
          upn: "{{upn}}"
`

const immediateRunbookYAML = `
name: license-sync
data_source:
  type: dataverse
  connection: CRM_URL
  query: "SELECT upn FROM pending_licenses"
  primary_key: upn
  batch_time: immediate
phases:
  - name: assign
    offset: T-0
    steps:
      - name: assign-license
        worker_id: control
        function: AssignLicense
        params:
          upn: "{{upn}}"
`

const initRunbookYAML = `
name: tenant-moves
data_source:
  type: dataverse
  connection: CRM_URL
  query: "SELECT upn, move_at FROM moves"
  primary_key: upn
  batch_time_column: move_at
init:
  - name: provision
    worker_id: control
    function: ProvisionTenant
phases:
  - name: migrate
    offset: T-0
    steps:
      - name: move-mailbox
        worker_id: exchange
        function: MoveMailbox
        params:
          upn: "{{upn}}"
`

// fakeClient serves a fixed table per tick.
type fakeClient struct {
	mu    sync.Mutex
	table *datasource.Table
	err   error
}

func (f *fakeClient) Query(context.Context, string, *runbook.DataSource) (*datasource.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.table, nil
}

func (f *fakeClient) setRows(columns []string, rows ...map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = &datasource.Table{Columns: columns, Rows: rows}
}

type capturedEvent struct {
	typ  string
	body []byte
}

type schedHarness struct {
	t      *testing.T
	ctx    context.Context
	store  *db.Store
	broker *messaging.MemoryBroker
	client *fakeClient
	sched  *Scheduler
	rec    *db.RunbookRecord
	now    time.Time

	mu     sync.Mutex
	events []capturedEvent
}

func newSchedHarness(t *testing.T, yamlDoc string, opts db.PublishOptions) *schedHarness {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rb, err := runbook.Parse([]byte(yamlDoc))
	require.NoError(t, err)
	rec, err := store.PublishRunbook(context.Background(), rb, yamlDoc, opts)
	require.NoError(t, err)

	h := &schedHarness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		broker: messaging.NewMemoryBroker(),
		client: &fakeClient{table: &datasource.Table{}},
		rec:    rec,
		now:    time.Date(2026, 3, 2, 9, 2, 30, 0, time.UTC),
	}
	h.sched = New(store, h.broker, datasource.Registry{runbook.SourceDataverse: h.client},
		WithClock(func() time.Time { return h.now }))

	require.NoError(t, h.broker.Subscribe(h.ctx, messaging.SubjectEvents, "test",
		func(_ context.Context, msg *messaging.Message) error {
			typ, err := messaging.PeekType(msg.Body)
			if err != nil {
				return err
			}
			h.mu.Lock()
			h.events = append(h.events, capturedEvent{typ: typ, body: msg.Body})
			h.mu.Unlock()
			return nil
		}))
	return h
}

func (h *schedHarness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.sched.Tick(h.ctx))
}

// takeEvents returns events captured since the last call, optionally
// filtered by type.
func (h *schedHarness) takeEvents(typ string) []capturedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out, rest []capturedEvent
	for _, ev := range h.events {
		if typ == "" || ev.typ == typ {
			out = append(out, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	h.events = rest
	return out
}

func (h *schedHarness) onlyBatch() *db.Batch {
	h.t.Helper()
	batches, err := h.store.NonTerminalBatches(h.ctx, h.rec.ID)
	require.NoError(h.t, err)
	require.Len(h.t, batches, 1)
	return batches[0]
}

func TestScheduledBatchDetection(t *testing.T) {
	h := newSchedHarness(t, scheduledRunbookYAML, db.PublishOptions{})
	anchor := h.now.Add(2 * time.Hour).Truncate(time.Minute)
	moveAt := anchor.Format(time.RFC3339)
	h.client.setRows([]string{"upn", "move_at"},
		map[string]string{"upn": "a@contoso.com", "move_at": moveAt},
		map[string]string{"upn": "b@contoso.com", "move_at": moveAt},
	)

	h.tick()

	batch := h.onlyBatch()
	// No init steps: the batch activates without an announcement.
	assert.Equal(t, db.BatchActive, batch.Status)
	assert.True(t, anchor.Equal(batch.BatchStartTime), "anchor %v != %v", anchor, batch.BatchStartTime)
	members, err := h.store.ActiveMembers(h.ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Empty(t, h.takeEvents(messaging.TypeBatchInit))
	// The phase is two hours out; nothing is due yet.
	assert.Empty(t, h.takeEvents(messaging.TypePhaseDue))

	// A second tick over the same source is a no-op.
	h.tick()
	h.onlyBatch()
	assert.Empty(t, h.takeEvents(""))

	// Once the anchor passes, the T-0 phase dispatches.
	h.now = anchor.Add(time.Minute)
	h.tick()
	due := h.takeEvents(messaging.TypePhaseDue)
	require.Len(t, due, 1)
	var ev messaging.PhaseDue
	require.NoError(t, messaging.Decode(due[0].body, &ev))
	assert.Equal(t, batch.ID, ev.BatchID)
	assert.Equal(t, "migrate", ev.PhaseName)
	assert.Len(t, ev.MemberIDs, 2)

	phases, err := h.store.PhaseExecutions(h.ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseDispatched, phases[0].Status)

	// The dispatched guard keeps the next tick from re-announcing it.
	h.tick()
	assert.Empty(t, h.takeEvents(messaging.TypePhaseDue))
}

func TestScheduledMemberDiff(t *testing.T) {
	h := newSchedHarness(t, scheduledRunbookYAML, db.PublishOptions{})
	anchor := h.now.Add(time.Hour).Truncate(time.Minute)
	moveAt := anchor.Format(time.RFC3339)
	row := func(upn string) map[string]string {
		return map[string]string{"upn": upn, "move_at": moveAt, "region": "emea"}
	}
	cols := []string{"upn", "move_at", "region"}

	h.client.setRows(cols, row("a@contoso.com"), row("b@contoso.com"))
	h.tick()
	batch := h.onlyBatch()
	h.takeEvents("")

	// A new key in the source joins the existing batch with member-added.
	h.client.setRows(cols, row("a@contoso.com"), row("b@contoso.com"), row("c@contoso.com"))
	h.tick()
	added := h.takeEvents(messaging.TypeMemberAdded)
	require.Len(t, added, 1)
	var addEv messaging.MemberChange
	require.NoError(t, messaging.Decode(added[0].body, &addEv))
	assert.Equal(t, "c@contoso.com", addEv.MemberKey)
	assert.Equal(t, batch.ID, addEv.BatchID)

	// A vanished key leaves with member-removed.
	h.client.setRows(cols, row("b@contoso.com"), row("c@contoso.com"))
	h.tick()
	removed := h.takeEvents(messaging.TypeMemberRemoved)
	require.Len(t, removed, 1)
	var remEv messaging.MemberChange
	require.NoError(t, messaging.Decode(removed[0].body, &remEv))
	assert.Equal(t, "a@contoso.com", remEv.MemberKey)

	members, err := h.store.ActiveMembers(h.ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// A changed source row emits no membership event and never touches the
	// member's insertion-time snapshot; templates stay reproducible.
	moved := row("b@contoso.com")
	moved["region"] = "apac"
	h.client.setRows(cols, moved, row("c@contoso.com"))
	h.tick()
	assert.Empty(t, h.takeEvents(messaging.TypeMemberAdded))
	assert.Empty(t, h.takeEvents(messaging.TypeMemberRemoved))
	members, err = h.store.ActiveMembers(h.ctx, batch.ID)
	require.NoError(t, err)
	for _, m := range members {
		if m.MemberKey == "b@contoso.com" {
			assert.Contains(t, m.DataJSON, "emea")
			assert.NotContains(t, m.DataJSON, "apac")
		}
	}
}

func TestImmediateModeBatching(t *testing.T) {
	h := newSchedHarness(t, immediateRunbookYAML, db.PublishOptions{})
	cols := []string{"upn"}
	h.client.setRows(cols, map[string]string{"upn": "a@contoso.com"}, map[string]string{"upn": "b@contoso.com"})

	h.tick()
	batch := h.onlyBatch()
	assert.True(t, h.now.Truncate(batchGrid).Equal(batch.BatchStartTime))
	members, err := h.store.ActiveMembers(h.ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	h.takeEvents("")

	// Keys already in a non-terminal batch never re-batch, and a stable
	// query result removes nobody.
	h.tick()
	h.onlyBatch()
	assert.Empty(t, h.takeEvents(messaging.TypeMemberRemoved))
	members, err = h.store.ActiveMembers(h.ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// A key gone from the query is removed from its batch.
	h.client.setRows(cols, map[string]string{"upn": "b@contoso.com"})
	h.tick()
	removed := h.takeEvents(messaging.TypeMemberRemoved)
	require.Len(t, removed, 1)
	var ev messaging.MemberChange
	require.NoError(t, messaging.Decode(removed[0].body, &ev))
	assert.Equal(t, "a@contoso.com", ev.MemberKey)
}

func TestInitBatchAnnouncement(t *testing.T) {
	h := newSchedHarness(t, initRunbookYAML, db.PublishOptions{})
	anchor := h.now.Add(time.Hour).Truncate(time.Minute)
	h.client.setRows([]string{"upn", "move_at"},
		map[string]string{"upn": "a@contoso.com", "move_at": anchor.Format(time.RFC3339)})

	h.tick()
	batch := h.onlyBatch()
	assert.Equal(t, db.BatchInitDispatched, batch.Status)
	inits := h.takeEvents(messaging.TypeBatchInit)
	require.Len(t, inits, 1)
	var ev messaging.BatchInit
	require.NoError(t, messaging.Decode(inits[0].body, &ev))
	assert.Equal(t, batch.ID, ev.BatchID)
	assert.Equal(t, 1, ev.MemberCount)

	// A stuck init batch is re-announced every tick until it converges.
	h.tick()
	assert.Len(t, h.takeEvents(messaging.TypeBatchInit), 1)
}

func TestPriorVersionBatchesCarryOver(t *testing.T) {
	h := newSchedHarness(t, initRunbookYAML, db.PublishOptions{})
	anchor := h.now.Add(time.Hour).Truncate(time.Minute)
	h.client.setRows([]string{"upn", "move_at"},
		map[string]string{"upn": "a@contoso.com", "move_at": anchor.Format(time.RFC3339)})

	h.tick()
	batch := h.onlyBatch()
	// Simulate the orchestrator finishing the v1 init sequence.
	ok, err := h.store.TransitionBatch(h.ctx, batch.ID, db.BatchInitDispatched, db.BatchActive)
	require.NoError(t, err)
	require.True(t, ok)
	h.takeEvents("")

	rb, err := runbook.Parse([]byte(initRunbookYAML))
	require.NoError(t, err)
	rec2, err := h.store.PublishRunbook(h.ctx, rb, initRunbookYAML, db.PublishOptions{RerunInit: true})
	require.NoError(t, err)
	require.Equal(t, 2, rec2.Version)

	// The v2 tick must not re-batch the anchor the v1 batch already owns.
	h.tick()
	batches, err := h.store.NonTerminalBatches(h.ctx, h.rec.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	v2Batches, err := h.store.NonTerminalBatches(h.ctx, rec2.ID)
	require.NoError(t, err)
	assert.Empty(t, v2Batches)

	// rerun_init announces the new version's init steps for the old batch.
	inits := h.takeEvents(messaging.TypeBatchInit)
	require.Len(t, inits, 1)
	var ev messaging.BatchInit
	require.NoError(t, messaging.Decode(inits[0].body, &ev))
	assert.Equal(t, batch.ID, ev.BatchID)
	assert.Equal(t, 2, ev.RunbookVersion)

	// Once the v2 inits exist and are terminal, the announcement stops.
	rec2Def, err := rec2.Definition()
	require.NoError(t, err)
	specs, err := db.SpecsForSteps(rec2Def, rec2Def.Init)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateInitExecutions(h.ctx, batch.ID, rec2.Version, specs))
	e, err := h.store.FirstPendingInit(h.ctx, batch.ID, rec2.Version)
	require.NoError(t, err)
	require.NotNil(t, e)
	_, err = h.store.MarkExecutionDispatched(h.ctx, e.ID, true, "init-rerun", "ProvisionTenant", "{}")
	require.NoError(t, err)
	_, err = h.store.SetExecutionSucceeded(h.ctx, e.ID, true, "{}")
	require.NoError(t, err)
	h.tick()
	assert.Empty(t, h.takeEvents(messaging.TypeBatchInit))

	// The old batch's phases still dispatch under the version they pinned.
	h.now = anchor.Add(time.Minute)
	h.tick()
	due := h.takeEvents(messaging.TypePhaseDue)
	require.Len(t, due, 1)
	var phaseEv messaging.PhaseDue
	require.NoError(t, messaging.Decode(due[0].body, &phaseEv))
	assert.Equal(t, batch.ID, phaseEv.BatchID)
	assert.Equal(t, 1, phaseEv.RunbookVersion)
}

func TestOverdueIgnoreSkipsPhases(t *testing.T) {
	h := newSchedHarness(t, scheduledRunbookYAML, db.PublishOptions{OverdueBehavior: runbook.OverdueIgnore})
	// The anchor sits two hours in the past, so the T-0 phase was due before
	// the batch was ever detected.
	anchor := h.now.Add(-2 * time.Hour).Truncate(time.Minute)
	h.client.setRows([]string{"upn", "move_at"},
		map[string]string{"upn": "a@contoso.com", "move_at": anchor.Format(time.RFC3339)})

	h.tick()
	batch := h.onlyBatch()
	phases, err := h.store.PhaseExecutions(h.ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseSkipped, phases[0].Status)
	assert.Empty(t, h.takeEvents(messaging.TypePhaseDue))

	rec, err := h.store.GetRunbook(h.ctx, h.rec.ID)
	require.NoError(t, err)
	assert.True(t, rec.IgnoreOverdueApplied)
}

func TestOverdueRerunDispatches(t *testing.T) {
	h := newSchedHarness(t, scheduledRunbookYAML, db.PublishOptions{})
	anchor := h.now.Add(-2 * time.Hour).Truncate(time.Minute)
	h.client.setRows([]string{"upn", "move_at"},
		map[string]string{"upn": "a@contoso.com", "move_at": anchor.Format(time.RFC3339)})

	h.tick()
	due := h.takeEvents(messaging.TypePhaseDue)
	require.Len(t, due, 1)
}

func TestPollAndRetryClocks(t *testing.T) {
	h := newSchedHarness(t, scheduledRunbookYAML, db.PublishOptions{})
	batch, err := h.store.CreateBatch(h.ctx, h.rec.ID, h.now, false, "")
	require.NoError(t, err)
	member, err := h.store.AddMember(h.ctx, batch.ID, "a@contoso.com", `{"upn":"a@contoso.com"}`)
	require.NoError(t, err)
	require.NoError(t, h.store.CreatePhaseExecutions(h.ctx, batch.ID, h.now, h.rec.Version,
		[]db.PhaseSpec{{Name: "migrate", OffsetMinutes: 0}}))
	phases, err := h.store.PhaseExecutions(h.ctx, batch.ID)
	require.NoError(t, err)
	phaseID := phases[0].ID

	specs := []db.ExecSpec{
		{StepName: "poller", StepIndex: 0, WorkerID: "w", FunctionName: "F",
			IsPollStep: true, PollIntervalSec: 60, PollTimeoutSec: 600},
		{StepName: "retrier", StepIndex: 1, WorkerID: "w", FunctionName: "G",
			MaxRetries: 2, RetryIntervalSec: 60},
	}
	require.NoError(t, h.store.CreateStepExecutions(h.ctx, phaseID, member.ID, specs))
	execs, err := h.store.MemberStepExecutions(h.ctx, phaseID, member.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	// One execution parked in polling, one parked for retry.
	_, err = h.store.MarkExecutionDispatched(h.ctx, execs[0].ID, false, "step-1", "F", "{}")
	require.NoError(t, err)
	_, err = h.store.SetExecutionPolling(h.ctx, execs[0].ID, false, `{"complete":false}`)
	require.NoError(t, err)
	_, err = h.store.MarkExecutionDispatched(h.ctx, execs[1].ID, false, "step-2", "G", "{}")
	require.NoError(t, err)
	_, err = h.store.SetExecutionRetryPending(h.ctx, execs[1].ID, false, time.Now().Add(-time.Minute), "boom")
	require.NoError(t, err)

	// Both deadlines are in the past relative to the tick clock.
	h.now = time.Now().UTC().Add(10 * time.Minute)
	h.tick()

	polls := h.takeEvents(messaging.TypePollCheck)
	require.Len(t, polls, 1)
	var pc messaging.PollCheck
	require.NoError(t, messaging.Decode(polls[0].body, &pc))
	require.NotNil(t, pc.StepExecutionID)
	assert.Equal(t, execs[0].ID, *pc.StepExecutionID)
	assert.Equal(t, batch.ID, pc.BatchID)

	retries := h.takeEvents(messaging.TypeRetryCheck)
	require.Len(t, retries, 1)
	var rc messaging.RetryCheck
	require.NoError(t, messaging.Decode(retries[0].body, &rc))
	require.NotNil(t, rc.StepExecutionID)
	assert.Equal(t, execs[1].ID, *rc.StepExecutionID)
	assert.Equal(t, 1, rc.RetryCount)
}

func TestRunbookErrorIsolation(t *testing.T) {
	h := newSchedHarness(t, scheduledRunbookYAML, db.PublishOptions{})
	h.client.mu.Lock()
	h.client.err = fmt.Errorf("warehouse offline")
	h.client.mu.Unlock()

	// The tick itself succeeds; the failure lands on the runbook row.
	h.tick()
	rec, err := h.store.GetRunbook(h.ctx, h.rec.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "warehouse offline")

	// A clean tick clears it.
	h.client.mu.Lock()
	h.client.err = nil
	h.client.mu.Unlock()
	h.tick()
	rec, err = h.store.GetRunbook(h.ctx, h.rec.ID)
	require.NoError(t, err)
	assert.Nil(t, rec.LastError)
}
