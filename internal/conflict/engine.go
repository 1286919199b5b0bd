package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

// Engine detects conflicts and applies resolutions
type Engine struct {
	cfg      config.ConflictConfig
	history  Repository
	entities store.Repository
	ops      queue.Repository
	clk      clock.Clock
	logger   *loggy.Logger
	dmp      *diffmatchpatch.DiffMatchPatch
}

// NewEngine creates a conflict engine
func NewEngine(cfg config.ConflictConfig, history Repository, entities store.Repository, ops queue.Repository, clk clock.Clock, logger *loggy.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	return &Engine{
		cfg:      cfg,
		history:  history,
		entities: entities,
		ops:      ops,
		clk:      clk,
		logger:   logger,
		dmp:      diffmatchpatch.New(),
	}
}

// Detect compares a local record against the remote snapshot of the same
// entity. A conflict exists only when the versions diverge and both sides
// were modified after the last sync checkpoint; one-sided changes are plain
// fast-forwards and return nil. A detected conflict is persisted and
// returned.
func (e *Engine) Detect(ctx context.Context, local store.Record, remote *Snapshot, lastSyncAt time.Time) (*Conflict, error) {
	localSnap, err := SnapshotOf(local)
	if err != nil {
		return nil, fmt.Errorf("snapshotting local record: %w", err)
	}

	if localSnap.Version == remote.Version {
		return nil, nil
	}
	if !localSnap.UpdatedAt.After(lastSyncAt) || !remote.UpdatedAt.After(lastSyncAt) {
		return nil, nil
	}

	fields := diffFields(localSnap, remote)
	if len(fields) == 0 && localSnap.Deleted == remote.Deleted {
		return nil, nil
	}

	c := &Conflict{
		ID:                ulid.ConflictID(),
		EntityKind:        local.RecordKind(),
		EntityID:          local.RecordID(),
		LocalVersion:      localSnap.Raw,
		RemoteVersion:     remote.Raw,
		ConflictingFields: fields,
		Severity:          classify(localSnap, remote, fields),
		Status:            StatusPending,
		DetectedAt:        e.clk.Now(),
	}

	if err := e.history.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("saving conflict: %w", err)
	}

	e.logger.Warn("conflict detected",
		"conflict_id", c.ID,
		"entity_kind", c.EntityKind,
		"entity_id", c.EntityID,
		"severity", c.Severity,
		"fields", fields,
	)

	return c, nil
}

// Suggest recommends a resolution for a conflict. Delete races always go to
// a person. Text divergence is merged when one side contains the other or
// the sides are similar enough; otherwise the more recent side wins with a
// confidence scaled by how far apart the edits are.
func (e *Engine) Suggest(c *Conflict) (Suggestion, error) {
	local, err := SnapshotFromJSON(c.LocalVersion)
	if err != nil {
		return Suggestion{}, fmt.Errorf("decoding local version: %w", err)
	}
	remote, err := SnapshotFromJSON(c.RemoteVersion)
	if err != nil {
		return Suggestion{}, fmt.Errorf("decoding remote version: %w", err)
	}

	if c.Severity == SeverityCritical {
		return Suggestion{
			Choice:     ChoiceManual,
			Confidence: 0.3,
			Reason:     "a delete raced a modification; no automatic strategy is safe",
		}, nil
	}

	if field, lText, rText, ok := e.textDivergence(c, local, remote); ok {
		if contained, longer := containment(lText, rText); contained {
			merged, err := mergedSnapshot(local, remote, field, longer)
			if err != nil {
				return Suggestion{}, err
			}
			return Suggestion{
				Choice:     ChoiceMerge,
				Confidence: 0.9,
				Reason:     fmt.Sprintf("one side's %s contains the other's", field),
				Merged:     merged,
			}, nil
		}

		if sim := e.similarity(lText, rText); sim >= e.cfg.MergeSimilarity {
			merged, err := mergedSnapshot(local, remote, field, e.unionMerge(lText, rText))
			if err != nil {
				return Suggestion{}, err
			}
			return Suggestion{
				Choice:     ChoiceMerge,
				Confidence: sim,
				Reason:     fmt.Sprintf("%s texts are %.0f%% similar", field, sim*100),
				Merged:     merged,
			}, nil
		}
	}

	if !local.UpdatedAt.Equal(remote.UpdatedAt) {
		choice := ChoiceKeepLocal
		gap := local.UpdatedAt.Sub(remote.UpdatedAt)
		if remote.UpdatedAt.After(local.UpdatedAt) {
			choice = ChoiceKeepRemote
			gap = remote.UpdatedAt.Sub(local.UpdatedAt)
		}

		confidence := 0.5 + 0.35*minFloat(1, gap.Hours())
		if limit := e.cfg.RecencyConfidenceCap; limit > 0 && confidence > limit {
			confidence = limit
		}

		return Suggestion{
			Choice:     choice,
			Confidence: confidence,
			Reason:     fmt.Sprintf("%s side was edited %s later", sideOf(choice), gap.Round(time.Second)),
		}, nil
	}

	return Suggestion{
		Choice:     ChoiceManual,
		Confidence: 0.3,
		Reason:     "versions diverged with no usable signal",
	}, nil
}

// Resolve applies a resolution choice. The winning version is written to the
// local store with a bumped version, the conflict is marked resolved, and
// when the outcome differs from what the remote holds an update is queued so
// the backend converges too. Resolving an already-resolved conflict with the
// same choice is a no-op.
func (e *Engine) Resolve(ctx context.Context, conflictID string, choice Choice) error {
	c, err := e.history.GetByID(ctx, conflictID)
	if err != nil {
		return err
	}

	if c.Status == StatusResolved && c.Resolution == choice {
		return nil
	}

	var winner json.RawMessage
	switch choice {
	case ChoiceKeepLocal:
		winner = c.LocalVersion
	case ChoiceKeepRemote:
		winner = c.RemoteVersion
	case ChoiceMerge:
		suggestion, err := e.Suggest(c)
		if err != nil {
			return err
		}
		if suggestion.Merged == nil {
			return fmt.Errorf("conflict %s has no mergeable content", conflictID)
		}
		winner = suggestion.Merged
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	rec, err := recordFromSnapshot(c.EntityKind, winner)
	if err != nil {
		return fmt.Errorf("decoding winning version: %w", err)
	}
	bumpVersion(rec, c, e.clk.Now())

	if err := e.entities.BulkPut(ctx, c.EntityKind, []store.Record{rec}); err != nil {
		return fmt.Errorf("writing resolved record: %w", err)
	}

	if err := e.history.MarkResolved(ctx, conflictID, choice, e.clk.Now()); err != nil {
		return err
	}

	// The remote already holds its own version; only a local or merged
	// winner needs pushing back
	if choice != ChoiceKeepRemote {
		op, err := queue.NewOperation(queue.OpTypeUpdate, c.EntityKind, c.EntityID, rec, queue.PriorityHigh)
		if err != nil {
			return fmt.Errorf("building convergence operation: %w", err)
		}
		if err := e.ops.Enqueue(ctx, op); err != nil {
			return fmt.Errorf("queueing convergence operation: %w", err)
		}
	}

	e.logger.Info("conflict resolved",
		"conflict_id", conflictID,
		"choice", choice,
		"entity_id", c.EntityID,
	)

	return nil
}

// ResolveWith resolves a conflict with an explicitly supplied document
// instead of either recorded version. The document is written back with a
// bumped version and queued for sync the same way a merge outcome is; the
// conflict is marked as manually resolved.
func (e *Engine) ResolveWith(ctx context.Context, conflictID string, payload json.RawMessage) error {
	c, err := e.history.GetByID(ctx, conflictID)
	if err != nil {
		return err
	}

	rec, err := recordFromSnapshot(c.EntityKind, payload)
	if err != nil {
		return fmt.Errorf("decoding supplied version: %w", err)
	}
	if rec.RecordID() != c.EntityID {
		return fmt.Errorf("supplied version is for entity %q, conflict is about %q", rec.RecordID(), c.EntityID)
	}
	bumpVersion(rec, c, e.clk.Now())

	if err := e.entities.BulkPut(ctx, c.EntityKind, []store.Record{rec}); err != nil {
		return fmt.Errorf("writing resolved record: %w", err)
	}

	if err := e.history.MarkResolved(ctx, conflictID, ChoiceManual, e.clk.Now()); err != nil {
		return err
	}

	op, err := queue.NewOperation(queue.OpTypeUpdate, c.EntityKind, c.EntityID, rec, queue.PriorityHigh)
	if err != nil {
		return fmt.Errorf("building convergence operation: %w", err)
	}
	if err := e.ops.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("queueing convergence operation: %w", err)
	}

	e.logger.Info("conflict resolved with supplied version",
		"conflict_id", conflictID,
		"entity_id", c.EntityID,
	)

	return nil
}

// Ignore marks a conflict as ignored without touching either version
func (e *Engine) Ignore(ctx context.Context, conflictID string) error {
	return e.history.MarkIgnored(ctx, conflictID, e.clk.Now())
}

// AutoResolve applies suggestions confident enough for unattended use and
// returns how many conflicts were resolved
func (e *Engine) AutoResolve(ctx context.Context) (int, error) {
	pending, err := e.history.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, c := range pending {
		suggestion, err := e.Suggest(c)
		if err != nil {
			e.logger.Warn("skipping unsuggestable conflict", "conflict_id", c.ID, "error", err)
			continue
		}
		if suggestion.Choice == ChoiceManual || suggestion.Confidence < e.cfg.AutoResolveConfidence {
			continue
		}
		if err := e.Resolve(ctx, c.ID, suggestion.Choice); err != nil {
			e.logger.Warn("auto-resolution failed", "conflict_id", c.ID, "error", err)
			continue
		}
		resolved++
	}

	return resolved, nil
}

// PruneHistory trims settled conflict records down to the configured history
// limit. Pending conflicts are never pruned.
func (e *Engine) PruneHistory(ctx context.Context) error {
	if e.cfg.HistoryLimit <= 0 {
		return nil
	}
	return e.history.Prune(ctx, e.cfg.HistoryLimit)
}

// textDivergence finds the primary conflicting text field, preferring body
// content over titles and names
func (e *Engine) textDivergence(c *Conflict, local, remote *Snapshot) (field, lText, rText string, ok bool) {
	for _, f := range []string{"content", "title", "name"} {
		if !containsField(c.ConflictingFields, f) {
			continue
		}
		l, lok := local.Fields[f].(string)
		r, rok := remote.Fields[f].(string)
		if lok && rok {
			return f, l, r, true
		}
	}
	return "", "", "", false
}

// similarity computes normalized edit-distance similarity between two texts
func (e *Engine) similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}

	diffs := e.dmp.DiffMain(a, b, false)
	distance := e.dmp.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(longest)
}

// unionMerge keeps text present on either side, in order
func (e *Engine) unionMerge(a, b string) string {
	diffs := e.dmp.DiffMain(a, b, false)
	var out []byte
	for _, d := range diffs {
		out = append(out, d.Text...)
	}
	return string(out)
}

// containment reports whether one text wholly contains the other
func containment(a, b string) (bool, string) {
	if a == b {
		return true, a
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	if a != "" && strings.Contains(b, a) {
		return true, b
	}
	return false, ""
}

func containsField(fields []string, f string) bool {
	for _, cand := range fields {
		if cand == f {
			return true
		}
	}
	return false
}

// mergedSnapshot builds the merged document: the fresher side's fields with
// the merged text substituted in
func mergedSnapshot(local, remote *Snapshot, field, mergedText string) (json.RawMessage, error) {
	base := remote
	if local.UpdatedAt.After(remote.UpdatedAt) {
		base = local
	}

	merged := make(map[string]any, len(base.Fields))
	for k, v := range base.Fields {
		merged[k] = v
	}
	merged[field] = mergedText

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding merged version: %w", err)
	}
	return out, nil
}

// recordFromSnapshot decodes a version snapshot into a typed store record
func recordFromSnapshot(kind store.EntityKind, raw json.RawMessage) (store.Record, error) {
	switch kind {
	case store.EntityKindCard:
		var c store.Card
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case store.EntityKindFolder:
		var f store.Folder
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return &f, nil
	case store.EntityKindTag:
		var t store.Tag
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case store.EntityKindImage:
		var i store.Image
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, err
		}
		return &i, nil
	default:
		return nil, store.ErrUnknownEntityKind
	}
}

// bumpVersion advances the resolved record past both conflicting versions
func bumpVersion(rec store.Record, c *Conflict, now time.Time) {
	local, _ := SnapshotFromJSON(c.LocalVersion)
	remote, _ := SnapshotFromJSON(c.RemoteVersion)

	next := int64(0)
	if local != nil && local.Version > next {
		next = local.Version
	}
	if remote != nil && remote.Version > next {
		next = remote.Version
	}
	next++

	switch v := rec.(type) {
	case *store.Card:
		v.SyncVersion = next
		v.UpdatedAt = now
	case *store.Folder:
		v.SyncVersion = next
		v.UpdatedAt = now
	case *store.Tag:
		v.SyncVersion = next
		v.UpdatedAt = now
	case *store.Image:
		v.SyncVersion = next
		v.UpdatedAt = now
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func sideOf(c Choice) string {
	if c == ChoiceKeepRemote {
		return "remote"
	}
	return "local"
}
