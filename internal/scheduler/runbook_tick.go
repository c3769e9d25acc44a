package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shiftctl/runbookd/internal/datasource"
	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/messaging"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// batchGroup is one tick's view of the rows sharing a batch anchor.
type batchGroup struct {
	anchor time.Time
	rows   map[string]string // member key -> data snapshot JSON
}

// tickRunbook converges the store with one runbook's data source. Steps, in
// order: query, normalize, group by anchor, upsert the dynamic table, diff
// membership, create missing batches, evaluate due phases. The per-runbook
// advisory lock keeps two ticks from racing on the same runbook.
func (s *Scheduler) tickRunbook(ctx context.Context, rec *db.RunbookRecord, now time.Time) error {
	release, ok, err := s.store.TryRunbookLock(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("acquire runbook lock: %w", err)
	}
	if !ok {
		s.logger.Debug("runbook locked by another tick", "runbook", rec.Name)
		return nil
	}
	defer release()

	def, err := rec.Definition()
	if err != nil {
		return err
	}
	client, err := s.sources.ClientFor(def.DataSource.Type)
	if err != nil {
		return err
	}

	table, err := client.Query(ctx, rec.Name, &def.DataSource)
	if err != nil {
		return err
	}
	if err := datasource.Normalize(table, def.DataSource.MultiValuedColumns); err != nil {
		return fmt.Errorf("normalize multi-valued columns: %w", err)
	}

	groups, dataRows, err := s.groupRows(ctx, rec, def, table, now)
	if err != nil {
		return err
	}

	if err := s.store.EnsureDataTable(ctx, rec.DataTableName, table.Columns); err != nil {
		return err
	}
	if err := s.store.UpsertDataRows(ctx, rec.DataTableName, table.Columns, dataRows); err != nil {
		return err
	}

	seenKeys := make(map[string]bool, len(dataRows))
	for _, row := range dataRows {
		seenKeys[row.MemberKey] = true
	}
	if err := s.syncBatches(ctx, rec, def, groups, seenKeys); err != nil {
		return err
	}
	if err := s.evaluateDuePhases(ctx, rec, def, now); err != nil {
		return err
	}
	if err := s.carryOverPriorVersions(ctx, rec, def, now); err != nil {
		return err
	}

	return s.store.SetRunbookError(ctx, rec.ID, nil)
}

// carryOverPriorVersions keeps driving batches detected under versions that a
// later publish deactivated: their due phases still dispatch with the pinned
// definition, stuck inits re-announce, and, when the active version carries
// rerun_init, its init steps run once against each prior batch.
func (s *Scheduler) carryOverPriorVersions(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, now time.Time) error {
	priors, err := s.store.PriorVersionsWithOpenBatches(ctx, rec.Name, rec.Version)
	if err != nil {
		return err
	}
	for _, prior := range priors {
		priorDef, err := prior.Definition()
		if err != nil {
			s.logger.Error("prior version unparseable, batches stalled",
				"runbook", prior.Name, "version", prior.Version, "error", err)
			continue
		}
		if err := s.evaluateDuePhases(ctx, prior, priorDef, now); err != nil {
			return err
		}

		stuck, err := s.store.BatchesByStatus(ctx, prior.ID, db.BatchInitDispatched)
		if err != nil {
			return err
		}
		for _, batch := range stuck {
			if err := s.announceInit(ctx, prior, batch); err != nil {
				return err
			}
		}

		if rec.RerunInit && len(def.Init) > 0 {
			if err := s.rerunInitForPriorBatches(ctx, rec, prior); err != nil {
				return err
			}
		}
	}
	return nil
}

// rerunInitForPriorBatches announces the active version's init steps against
// a prior version's active batches. The version-keyed init rows make the
// rerun idempotent; once every new-version init is terminal the announcement
// stops.
func (s *Scheduler) rerunInitForPriorBatches(ctx context.Context, rec, prior *db.RunbookRecord) error {
	batches, err := s.store.BatchesByStatus(ctx, prior.ID, db.BatchActive)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		counts, err := s.store.InitStatusCounts(ctx, batch.ID, rec.Version)
		if err != nil {
			return err
		}
		if len(counts) > 0 &&
			counts[db.StepPending]+counts[db.StepDispatched]+counts[db.StepPolling] == 0 {
			continue
		}
		if err := s.announceInit(ctx, rec, batch); err != nil {
			return err
		}
	}
	return nil
}

// announceInit emits batch-init for a batch under the given runbook version.
func (s *Scheduler) announceInit(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch) error {
	members, err := s.store.ActiveMembers(ctx, batch.ID)
	if err != nil {
		return err
	}
	return s.emit(ctx, messaging.TypeBatchInit, &messaging.BatchInit{
		MessageType:    messaging.TypeBatchInit,
		RunbookName:    rec.Name,
		RunbookVersion: rec.Version,
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		MemberCount:    len(members),
	})
}

// groupRows partitions the query result into batch groups and builds the
// dynamic-table rows. Scheduled mode groups on the parsed batch time column;
// immediate mode puts every not-yet-active key into one batch anchored on
// the current 5-minute grid point.
func (s *Scheduler) groupRows(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, table *datasource.Table, now time.Time) ([]*batchGroup, []db.DataRow, error) {
	ds := &def.DataSource

	var activeKeys map[string]bool
	if ds.Immediate() {
		var err error
		activeKeys, err = s.store.ActiveMemberKeys(ctx, rec.Name)
		if err != nil {
			return nil, nil, err
		}
	}

	immediateAnchor := now.Truncate(batchGrid)
	grouped := map[time.Time]*batchGroup{}
	var order []time.Time
	var dataRows []db.DataRow

	for _, row := range table.Rows {
		key := row[ds.PrimaryKey]
		if key == "" {
			s.logger.Warn("row without primary key skipped", "runbook", rec.Name)
			continue
		}

		var anchor time.Time
		if ds.Immediate() {
			anchor = immediateAnchor
		} else {
			var err error
			anchor, err = parseBatchTime(row[ds.BatchTimeColumn])
			if err != nil {
				return nil, nil, fmt.Errorf("row %q: %w", key, err)
			}
		}

		values := make(map[string]string, len(row))
		for col, val := range row {
			values[db.SanitizeColumn(col)] = val
		}
		dataRows = append(dataRows, db.DataRow{MemberKey: key, BatchTime: anchor, Values: values})

		if ds.Immediate() && activeKeys[key] {
			continue
		}

		g := grouped[anchor]
		if g == nil {
			g = &batchGroup{anchor: anchor, rows: map[string]string{}}
			grouped[anchor] = g
			order = append(order, anchor)
		}
		snapshot, err := json.Marshal(row)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot row %q: %w", key, err)
		}
		g.rows[key] = string(snapshot)
	}

	groups := make([]*batchGroup, 0, len(order))
	for _, anchor := range order {
		groups = append(groups, grouped[anchor])
	}
	return groups, dataRows, nil
}

// syncBatches creates missing batches and diffs membership of existing ones.
// In immediate mode removal is keyed on seenKeys, the whole query result:
// groups exclude already-active keys, so a member is vanished only when the
// source stopped returning its row.
func (s *Scheduler) syncBatches(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, groups []*batchGroup, seenKeys map[string]bool) error {
	// Batches left in init_dispatched by an earlier tick converge by
	// re-announcement; the handler is idempotent and only ever runs one init
	// at a time. Collected up front so a batch announced at creation below is
	// not announced again in the same tick.
	stuck, err := s.store.BatchesByStatus(ctx, rec.ID, db.BatchInitDispatched)
	if err != nil {
		return err
	}

	for _, g := range groups {
		batch, err := s.store.BatchByAnchor(ctx, rec.Name, g.anchor)
		if err != nil {
			return err
		}
		switch {
		case batch == nil:
			if len(g.rows) == 0 {
				continue
			}
			if err := s.createBatch(ctx, rec, def, g); err != nil {
				return err
			}
		case db.BatchTerminal(batch.Status):
			// Settled batches never reopen; a reappearing anchor is noise.
		default:
			if err := s.diffMembers(ctx, rec, batch, g); err != nil {
				return err
			}
		}
	}

	if def.DataSource.Immediate() {
		if err := s.removeVanishedMembers(ctx, rec, seenKeys); err != nil {
			return err
		}
	}

	for _, batch := range stuck {
		if err := s.announceInit(ctx, rec, batch); err != nil {
			return err
		}
	}
	return nil
}

// createBatch inserts a batch with its members and phase executions, then
// either announces init work or activates the batch directly. Members
// present at creation get no member-added event; the first phase-due covers
// them.
func (s *Scheduler) createBatch(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, g *batchGroup) error {
	phaseSpecs, err := db.PhaseSpecs(def)
	if err != nil {
		return err
	}

	batch, err := s.store.CreateBatch(ctx, rec.ID, g.anchor, false, "")
	if err != nil {
		return err
	}
	for key, snapshot := range g.rows {
		if _, err := s.store.AddMember(ctx, batch.ID, key, snapshot); err != nil {
			return fmt.Errorf("add member %q: %w", key, err)
		}
	}
	if err := s.store.CreatePhaseExecutions(ctx, batch.ID, g.anchor, rec.Version, phaseSpecs); err != nil {
		return err
	}

	s.logger.Info("batch detected",
		"runbook", rec.Name, "batch", batch.ID,
		"anchor", g.anchor, "members", len(g.rows))

	if len(def.Init) == 0 {
		_, err := s.store.TransitionBatch(ctx, batch.ID, db.BatchDetected, db.BatchActive)
		return err
	}

	if ok, err := s.store.MarkInitDispatched(ctx, batch.ID); err != nil || !ok {
		return err
	}
	return s.emit(ctx, messaging.TypeBatchInit, &messaging.BatchInit{
		MessageType:    messaging.TypeBatchInit,
		RunbookName:    rec.Name,
		RunbookVersion: rec.Version,
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		MemberCount:    len(g.rows),
	})
}

// diffMembers reconciles an existing batch with this tick's rows: new keys
// join with a member-added event, keys gone from the source leave with
// member-removed. A known member's data_json is the snapshot taken at
// insertion; later source changes never touch it.
func (s *Scheduler) diffMembers(ctx context.Context, rec *db.RunbookRecord, batch *db.Batch, g *batchGroup) error {
	members, err := s.store.BatchMembers(ctx, batch.ID)
	if err != nil {
		return err
	}
	known := make(map[string]*db.Member, len(members))
	for _, m := range members {
		known[m.MemberKey] = m
	}

	for key, snapshot := range g.rows {
		if known[key] != nil {
			continue
		}
		member, err := s.store.AddMember(ctx, batch.ID, key, snapshot)
		if err != nil {
			return fmt.Errorf("add member %q: %w", key, err)
		}
		if ok, err := s.store.MarkAddDispatched(ctx, member.ID); err != nil || !ok {
			if err != nil {
				return err
			}
			continue
		}
		if err := s.emitMemberChange(ctx, messaging.TypeMemberAdded, rec, batch.ID, member); err != nil {
			return err
		}
	}

	for key, m := range known {
		if g.rows[key] != "" || m.Status != db.MemberActive {
			continue
		}
		if ok, err := s.store.MarkMemberRemoved(ctx, m.ID); err != nil || !ok {
			if err != nil {
				return err
			}
			continue
		}
		if _, err := s.store.MarkRemoveDispatched(ctx, m.ID); err != nil {
			return err
		}
		if err := s.emitMemberChange(ctx, messaging.TypeMemberRemoved, rec, batch.ID, m); err != nil {
			return err
		}
	}
	return nil
}

// removeVanishedMembers drops active members of immediate-mode batches whose
// keys no longer appear in the query at all.
func (s *Scheduler) removeVanishedMembers(ctx context.Context, rec *db.RunbookRecord, seenKeys map[string]bool) error {
	batches, err := s.store.NonTerminalBatches(ctx, rec.ID)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		members, err := s.store.ActiveMembers(ctx, batch.ID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if seenKeys[m.MemberKey] {
				continue
			}
			if ok, err := s.store.MarkMemberRemoved(ctx, m.ID); err != nil || !ok {
				if err != nil {
					return err
				}
				continue
			}
			if _, err := s.store.MarkRemoveDispatched(ctx, m.ID); err != nil {
				return err
			}
			if err := s.emitMemberChange(ctx, messaging.TypeMemberRemoved, rec, batch.ID, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) emitMemberChange(ctx context.Context, messageType string, rec *db.RunbookRecord, batchID int64, m *db.Member) error {
	return s.emit(ctx, messageType, &messaging.MemberChange{
		MessageType:    messageType,
		RunbookName:    rec.Name,
		RunbookVersion: rec.Version,
		BatchID:        batchID,
		BatchMemberID:  m.ID,
		MemberKey:      m.MemberKey,
	})
}

// evaluateDuePhases dispatches pending phases of active batches whose due
// time has passed. Overdue phases (due before the batch was even detected)
// follow the runbook's overdue behavior: ignore skips them, rerun dispatches
// normally.
func (s *Scheduler) evaluateDuePhases(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, now time.Time) error {
	batches, err := s.store.BatchesByStatus(ctx, rec.ID, db.BatchActive)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		due, err := s.store.DuePhases(ctx, batch.ID, now)
		if err != nil {
			return err
		}
		for _, phase := range due {
			overdue := phase.DueAt.Before(batch.DetectedAt)
			if overdue && rec.OverdueBehavior == runbook.OverdueIgnore {
				if ok, err := s.store.SkipPhase(ctx, phase.ID); err != nil || !ok {
					if err != nil {
						return err
					}
					continue
				}
				s.logger.Info("overdue phase skipped",
					"runbook", rec.Name, "batch", batch.ID, "phase", phase.PhaseName)
				if !rec.IgnoreOverdueApplied {
					if err := s.store.SetIgnoreOverdueApplied(ctx, rec.ID); err != nil {
						return err
					}
					rec.IgnoreOverdueApplied = true
				}
				continue
			}
			if err := s.dispatchPhase(ctx, rec, def, batch, phase); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchPhase creates the phase's step executions for every active member
// and announces the phase. The dispatched guard makes a racing tick lose
// cleanly before any event leaves.
func (s *Scheduler) dispatchPhase(ctx context.Context, rec *db.RunbookRecord, def *runbook.Runbook, batch *db.Batch, phase *db.PhaseExecution) error {
	phaseDef := def.Phase(phase.PhaseName)
	if phaseDef == nil {
		return fmt.Errorf("phase %q not in runbook %s v%d", phase.PhaseName, rec.Name, rec.Version)
	}
	specs, err := db.SpecsForSteps(def, phaseDef.Steps)
	if err != nil {
		return err
	}

	members, err := s.store.ActiveMembers(ctx, batch.ID)
	if err != nil {
		return err
	}
	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		if err := s.store.CreateStepExecutions(ctx, phase.ID, m.ID, specs); err != nil {
			return err
		}
		memberIDs = append(memberIDs, m.ID)
	}

	if ok, err := s.store.MarkPhaseDispatched(ctx, phase.ID); err != nil || !ok {
		return err
	}
	if err := s.store.SetCurrentPhase(ctx, batch.ID, phase.PhaseName); err != nil {
		return err
	}

	s.logger.Info("phase due",
		"runbook", rec.Name, "batch", batch.ID,
		"phase", phase.PhaseName, "members", len(memberIDs))

	return s.emit(ctx, messaging.TypePhaseDue, &messaging.PhaseDue{
		MessageType:      messaging.TypePhaseDue,
		RunbookName:      rec.Name,
		RunbookVersion:   rec.Version,
		BatchID:          batch.ID,
		PhaseExecutionID: phase.ID,
		PhaseName:        phase.PhaseName,
		OffsetMinutes:    phase.OffsetMinutes,
		DueAt:            phase.DueAt,
		MemberIDs:        memberIDs,
	})
}

// batchTimeLayouts are the accepted source formats for batch time columns.
var batchTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseBatchTime(raw string) (time.Time, error) {
	for _, layout := range batchTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable batch time %q", raw)
}
