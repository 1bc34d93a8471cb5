package version

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"scribe/sync/internal/crdt"
	"scribe/sync/internal/store"
	"scribe/sync/internal/util"
)

// Merge strategies. Auto applies non-overlapping edits and suspends on
// structural overlap; the prefer variants resolve structural overlap
// immediately in favor of one side.
const (
	StrategyAuto         = "auto"
	StrategyPreferSource = "prefer-source"
	StrategyPreferTarget = "prefer-target"
)

// Manual resolution choices for a suspended merge.
const (
	ChoiceSource = "source"
	ChoiceTarget = "target"
	ChoiceBoth   = "both"
)

// ErrStructuralConflictUnresolved signals that both branches inserted
// at the same attachment point and a manual choice is required before
// the merge snapshot can exist.
var ErrStructuralConflictUnresolved = errors.New("structural conflict unresolved")

type MergeResult struct {
	// Snapshot is the merge snapshot, or the surviving head on a
	// fast-forward. Nil while the merge is suspended.
	Snapshot *store.Snapshot
	// Conflict is the persisted pending record of a suspended merge.
	Conflict *store.MergeConflict
	// AppliedOps are compensating operations appended by this merge.
	AppliedOps []crdt.Op
}

// Merge performs a three-way merge of source into target. The branches
// share one operation log, so a clean merge is the union of the two
// head frontiers; losing edits are removed by compensating deletes, and
// history is never rewritten.
func (m *Manager) Merge(ctx context.Context, documentID, sourceBranch, targetBranch, strategy, author string) (MergeResult, error) {
	switch strategy {
	case "":
		strategy = StrategyAuto
	case StrategyAuto, StrategyPreferSource, StrategyPreferTarget:
	default:
		return MergeResult{}, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	src, err := m.store.GetBranch(ctx, documentID, sourceBranch)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load source branch %q: %w", sourceBranch, err)
	}
	tgt, err := m.store.GetBranch(ctx, documentID, targetBranch)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load target branch %q: %w", targetBranch, err)
	}
	srcHead, err := m.store.GetSnapshot(ctx, src.HeadSnapshotID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load source head: %w", err)
	}
	tgtHead, err := m.store.GetSnapshot(ctx, tgt.HeadSnapshotID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load target head: %w", err)
	}

	if srcHead.ID == tgtHead.ID {
		return MergeResult{Snapshot: &tgtHead}, nil
	}

	base, err := m.lowestCommonAncestor(ctx, srcHead, tgtHead)
	if err != nil {
		return MergeResult{}, err
	}
	baseFrontier := crdt.NewFrontier()
	if base != nil {
		baseFrontier = base.Frontier
		if base.ID == srcHead.ID {
			// Source is already contained in target.
			return MergeResult{Snapshot: &tgtHead}, nil
		}
		if base.ID == tgtHead.ID {
			// Target has not diverged: fast-forward.
			if err := m.store.UpdateBranchHead(ctx, tgt.ID, srcHead.ID); err != nil {
				return MergeResult{}, err
			}
			return MergeResult{Snapshot: &srcHead}, nil
		}
	}

	sourceOps, err := m.opsBetween(ctx, documentID, baseFrontier, srcHead.Frontier)
	if err != nil {
		return MergeResult{}, err
	}
	targetOps, err := m.opsBetween(ctx, documentID, baseFrontier, tgtHead.Frontier)
	if err != nil {
		return MergeResult{}, err
	}

	contested, srcConflicting, tgtConflicting := conflictingInserts(sourceOps, targetOps)
	if len(contested) > 0 && strategy == StrategyAuto {
		mc := store.MergeConflict{
			ID:           util.NewID("conflict"),
			DocumentID:   documentID,
			SourceBranch: sourceBranch,
			TargetBranch: targetBranch,
			SourceHeadID: srcHead.ID,
			TargetHeadID: tgtHead.ID,
			Regions:      contested,
			SourceOps:    srcConflicting,
			TargetOps:    tgtConflicting,
			Status:       store.MergePending,
		}
		if base != nil {
			mc.BaseSnapshotID = base.ID
		}
		if err := m.store.InsertMergeConflict(ctx, mc); err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Conflict: &mc}, ErrStructuralConflictUnresolved
	}

	var losing []crdt.Op
	switch strategy {
	case StrategyPreferSource:
		losing = tgtConflicting
	case StrategyPreferTarget:
		losing = srcConflicting
	}

	snap, applied, err := m.finishMerge(ctx, documentID, srcHead, tgtHead, losing, author)
	if err != nil {
		return MergeResult{}, err
	}
	if err := m.store.UpdateBranchHead(ctx, tgt.ID, snap.ID); err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Snapshot: &snap, AppliedOps: applied}, nil
}

// ResolveMerge completes a suspended merge with the participant's
// choice. Losing inserts are removed by compensating deletes so every
// replica converges on the chosen outcome.
func (m *Manager) ResolveMerge(ctx context.Context, conflictID, choice, author string) (MergeResult, error) {
	switch choice {
	case ChoiceSource, ChoiceTarget, ChoiceBoth:
	default:
		return MergeResult{}, fmt.Errorf("unknown merge choice %q", choice)
	}
	mc, err := m.store.GetMergeConflict(ctx, conflictID)
	if err != nil {
		return MergeResult{}, err
	}
	if mc.Status != store.MergePending {
		return MergeResult{}, fmt.Errorf("merge conflict %s already resolved", conflictID)
	}
	srcHead, err := m.store.GetSnapshot(ctx, mc.SourceHeadID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load source head: %w", err)
	}
	tgtHead, err := m.store.GetSnapshot(ctx, mc.TargetHeadID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("load target head: %w", err)
	}

	var losing []crdt.Op
	switch choice {
	case ChoiceSource:
		losing = mc.TargetOps
	case ChoiceTarget:
		losing = mc.SourceOps
	}

	snap, applied, err := m.finishMerge(ctx, mc.DocumentID, srcHead, tgtHead, losing, author)
	if err != nil {
		return MergeResult{}, err
	}
	resolved, err := m.store.MarkMergeResolved(ctx, conflictID, choice)
	if err != nil {
		return MergeResult{}, err
	}
	if !resolved {
		return MergeResult{}, fmt.Errorf("merge conflict %s already resolved", conflictID)
	}
	if err := m.AdvanceBranch(ctx, mc.DocumentID, mc.TargetBranch, snap.ID); err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Snapshot: &snap, AppliedOps: applied}, nil
}

// finishMerge replays the union of both head frontiers, removes losing
// inserts, appends the compensating deletes, and writes the two-parent
// merge snapshot.
func (m *Manager) finishMerge(ctx context.Context, documentID string, srcHead, tgtHead store.Snapshot, losing []crdt.Op, author string) (store.Snapshot, []crdt.Op, error) {
	union := srcHead.Frontier.Clone()
	union.Merge(tgtHead.Frontier)

	replica, err := m.replayAt(ctx, documentID, union)
	if err != nil {
		return store.Snapshot{}, nil, err
	}

	applied := make([]crdt.Op, 0, len(losing))
	for _, op := range losing {
		if op.Kind != crdt.KindInsert || !replica.Visible(op.Target) {
			continue
		}
		del, err := replica.LocalDelete(op.Target)
		if err != nil {
			return store.Snapshot{}, nil, fmt.Errorf("remove losing insert %s: %w", op.Target, err)
		}
		applied = append(applied, del)
	}
	if len(applied) > 0 {
		if err := m.store.AppendOps(ctx, applied); err != nil {
			return store.Snapshot{}, nil, err
		}
	}

	snap, err := m.writeSnapshot(ctx, documentID, replica.Materialize(), replica.Frontier(), author, []string{tgtHead.ID, srcHead.ID})
	if err != nil {
		return store.Snapshot{}, nil, err
	}
	if err := m.store.TouchDocument(ctx, documentID); err != nil {
		return store.Snapshot{}, nil, err
	}
	return snap, applied, nil
}

func (m *Manager) opsBetween(ctx context.Context, documentID string, base, head crdt.Frontier) ([]crdt.Op, error) {
	ops, err := m.store.OpsSince(ctx, documentID, base)
	if err != nil {
		return nil, err
	}
	filtered := make([]crdt.Op, 0, len(ops))
	for _, op := range ops {
		if head.Contains(op.Stamp()) {
			filtered = append(filtered, op)
		}
	}
	return filtered, nil
}

// lowestCommonAncestor walks the parent DAG: all ancestors of a, then a
// breadth-first walk from b until it hits one.
func (m *Manager) lowestCommonAncestor(ctx context.Context, a, b store.Snapshot) (*store.Snapshot, error) {
	ancestors := make(map[string]struct{})
	queue := []string{a.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := ancestors[id]; ok {
			continue
		}
		ancestors[id] = struct{}{}
		snap, err := m.store.GetSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walk ancestors of %s: %w", a.ID, err)
		}
		queue = append(queue, snap.ParentIDs...)
	}

	visited := make(map[string]struct{})
	queue = []string{b.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		snap, err := m.store.GetSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walk ancestors of %s: %w", b.ID, err)
		}
		if _, ok := ancestors[id]; ok {
			return &snap, nil
		}
		queue = append(queue, snap.ParentIDs...)
	}
	return nil, nil
}

// conflictingInserts finds attachment points where both sides inserted.
// Concurrent inserts at the same origin have no base-content anchor to
// arbitrate between them, so they need a manual (or strategy-forced)
// choice. Each side's conflicting set includes the runs chained onto
// the contested inserts.
func conflictingInserts(sourceOps, targetOps []crdt.Op) ([]crdt.ElementID, []crdt.Op, []crdt.Op) {
	srcOrigins := insertOrigins(sourceOps)
	tgtOrigins := insertOrigins(targetOps)

	contested := make([]crdt.ElementID, 0)
	for origin := range srcOrigins {
		if _, ok := tgtOrigins[origin]; ok {
			contested = append(contested, origin)
		}
	}
	if len(contested) == 0 {
		return nil, nil, nil
	}
	sort.Slice(contested, func(i, j int) bool { return contested[i].Less(contested[j]) })
	return contested, insertClosure(sourceOps, contested), insertClosure(targetOps, contested)
}

func insertOrigins(ops []crdt.Op) map[crdt.ElementID]struct{} {
	origins := make(map[crdt.ElementID]struct{})
	for _, op := range ops {
		if op.Kind == crdt.KindInsert {
			origins[op.Origin] = struct{}{}
		}
	}
	return origins
}

// insertClosure returns the inserts attached to a contested origin plus
// everything chained onto them, preserving input order.
func insertClosure(ops []crdt.Op, contested []crdt.ElementID) []crdt.Op {
	roots := make(map[crdt.ElementID]struct{}, len(contested))
	for _, id := range contested {
		roots[id] = struct{}{}
	}
	selected := make(map[crdt.ElementID]struct{})
	out := make([]crdt.Op, 0)
	for changed := true; changed; {
		changed = false
		for _, op := range ops {
			if op.Kind != crdt.KindInsert {
				continue
			}
			if _, done := selected[op.Target]; done {
				continue
			}
			_, fromRoot := roots[op.Origin]
			_, fromChain := selected[op.Origin]
			if !fromRoot && !fromChain {
				continue
			}
			selected[op.Target] = struct{}{}
			out = append(out, op)
			changed = true
		}
	}
	return out
}
