package conflict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/store"
)

// fakeHistory keeps conflicts in memory
type fakeHistory struct {
	mu         sync.Mutex
	conflicts  map[string]*Conflict
	pruneKeeps []int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{conflicts: make(map[string]*Conflict)}
}

func (f *fakeHistory) Save(_ context.Context, c *Conflict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts[c.ID] = c
	return nil
}

func (f *fakeHistory) GetByID(_ context.Context, id string) (*Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeHistory) ListPending(_ context.Context) ([]*Conflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conflict
	for _, c := range f.conflicts {
		if c.Status == StatusPending {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeHistory) ListHistory(_ context.Context, _ int) ([]*Conflict, error) {
	return f.ListPending(context.Background())
}

func (f *fakeHistory) MarkResolved(_ context.Context, id string, choice Choice, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = StatusResolved
	c.Resolution = choice
	c.ResolvedAt = &at
	return nil
}

func (f *fakeHistory) MarkIgnored(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = StatusIgnored
	c.ResolvedAt = &at
	return nil
}

func (f *fakeHistory) CountPending(_ context.Context) (int, error) {
	pending, _ := f.ListPending(context.Background())
	return len(pending), nil
}

func (f *fakeHistory) Prune(_ context.Context, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneKeeps = append(f.pruneKeeps, keep)
	return nil
}

// fakeEntities records BulkPut calls
type fakeEntities struct {
	mu  sync.Mutex
	put []store.Record
}

func (f *fakeEntities) Get(context.Context, store.EntityKind, string) (store.Record, error) {
	return nil, store.ErrNotFound
}
func (f *fakeEntities) BulkAdd(context.Context, store.EntityKind, []store.Record) error { return nil }

func (f *fakeEntities) BulkPut(_ context.Context, _ store.EntityKind, records []store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put = append(f.put, records...)
	return nil
}

func (f *fakeEntities) BulkDelete(context.Context, store.EntityKind, []string) error { return nil }
func (f *fakeEntities) ListUnsynced(context.Context, store.EntityKind, int) ([]store.Record, error) {
	return nil, nil
}
func (f *fakeEntities) UpdateSyncStatus(context.Context, store.EntityKind, string, int64) error {
	return nil
}

// fakeOps collects enqueued operations
type fakeOps struct {
	mu  sync.Mutex
	ops []*queue.Operation
}

func (f *fakeOps) Enqueue(_ context.Context, ops ...*queue.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, ops...)
	return nil
}

func (f *fakeOps) DequeueReady(context.Context, int) ([]*queue.Operation, error) { return nil, nil }
func (f *fakeOps) Complete(context.Context, ...string) error                     { return nil }
func (f *fakeOps) Fail(context.Context, string, string, time.Time) error         { return nil }
func (f *fakeOps) Drop(context.Context, string) error                            { return nil }
func (f *fakeOps) GetStats(context.Context) (*queue.Stats, error)                { return &queue.Stats{}, nil }

func testConflictConfig() config.ConflictConfig {
	return config.ConflictConfig{
		MergeSimilarity:       0.8,
		RecencyConfidenceCap:  0.85,
		AutoResolveConfidence: 0.7,
		HistoryLimit:          500,
	}
}

type engineFixture struct {
	engine   *Engine
	history  *fakeHistory
	entities *fakeEntities
	ops      *fakeOps
	clk      *clock.Mock
}

func newEngineFixture() *engineFixture {
	history := newFakeHistory()
	entities := &fakeEntities{}
	ops := &fakeOps{}
	clk := clock.NewMock()
	engine := NewEngine(testConflictConfig(), history, entities, ops, clk, loggy.NewNoopLogger())
	return &engineFixture{engine: engine, history: history, entities: entities, ops: ops, clk: clk}
}

func cardAt(version int64, content string, updatedAt time.Time) *store.Card {
	return &store.Card{
		ID:          "card_1",
		Title:       "Spaced repetition",
		Content:     content,
		SyncVersion: version,
		UpdatedAt:   updatedAt,
	}
}

func snapshotOf(t *testing.T, rec store.Record) *Snapshot {
	t.Helper()
	s, err := SnapshotOf(rec)
	require.NoError(t, err)
	return s
}

func TestDetectNoConflictWhenVersionsMatch(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(3, "same", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(3, "same", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectNoConflictForOneSidedChange(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	// Only the remote moved since the checkpoint; this is a fast-forward
	local := cardAt(2, "old", base.Add(-time.Hour))
	remote := snapshotOf(t, cardAt(3, "new", base.Add(time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectContentConflictIsMedium(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(3, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, SeverityMedium, c.Severity)
	assert.Equal(t, StatusPending, c.Status)
	assert.Contains(t, c.ConflictingFields, "content")

	saved, err := f.history.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, saved.ID)
}

func TestDetectStructuralConflictIsHigh(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "same", base.Add(time.Minute))
	local.FolderID = "fld_inbox"
	remoteCard := cardAt(3, "same", base.Add(2*time.Minute))
	remoteCard.FolderID = "fld_archive"

	c, err := f.engine.Detect(context.Background(), local, snapshotOf(t, remoteCard), base)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Contains(t, c.ConflictingFields, "folder_id")
}

func TestDetectDeleteRaceIsCritical(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "edited locally", base.Add(time.Minute))
	remoteCard := cardAt(3, "edited locally", base.Add(2*time.Minute))
	remoteCard.Deleted = true

	c, err := f.engine.Detect(context.Background(), local, snapshotOf(t, remoteCard), base)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, SeverityCritical, c.Severity)

	suggestion, err := f.engine.Suggest(c)
	require.NoError(t, err)
	assert.Equal(t, ChoiceManual, suggestion.Choice)
	assert.InDelta(t, 0.3, suggestion.Confidence, 0.001)
}

func TestSuggestContainmentMerge(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "Review the deck daily.", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(3, "Review the deck daily. Increase intervals weekly.", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	suggestion, err := f.engine.Suggest(c)
	require.NoError(t, err)

	assert.Equal(t, ChoiceMerge, suggestion.Choice)
	assert.InDelta(t, 0.9, suggestion.Confidence, 0.001)
	require.NotNil(t, suggestion.Merged)

	merged, err := SnapshotFromJSON(suggestion.Merged)
	require.NoError(t, err)
	assert.Equal(t, "Review the deck daily. Increase intervals weekly.", merged.Fields["content"])
}

func TestSuggestSimilarityMerge(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	long := "Spaced repetition schedules reviews at growing intervals so that recall stays cheap."
	local := cardAt(2, long+" Morning.", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(3, long+" Evening.", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	suggestion, err := f.engine.Suggest(c)
	require.NoError(t, err)

	assert.Equal(t, ChoiceMerge, suggestion.Choice)
	assert.GreaterOrEqual(t, suggestion.Confidence, 0.8)
	assert.NotNil(t, suggestion.Merged)
}

func TestSuggestRecencyKeepsRemoteCapped(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "completely different first body about folders", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(3, "another body, unrelated words, tags and images", base.Add(6*time.Hour)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	suggestion, err := f.engine.Suggest(c)
	require.NoError(t, err)

	assert.Equal(t, ChoiceKeepRemote, suggestion.Choice)
	assert.InDelta(t, 0.85, suggestion.Confidence, 0.001)
}

func TestSuggestRecencyScalesWithGap(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "completely different first body about folders", base.Add(time.Minute))
	// Twelve minutes apart: confidence well below the cap
	remote := snapshotOf(t, cardAt(3, "another body, unrelated words, tags and images", base.Add(13*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	suggestion, err := f.engine.Suggest(c)
	require.NoError(t, err)

	assert.Equal(t, ChoiceKeepRemote, suggestion.Choice)
	assert.Greater(t, suggestion.Confidence, 0.5)
	assert.Less(t, suggestion.Confidence, 0.85)
}

func TestResolveKeepLocalWritesAndQueues(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(5, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, f.engine.Resolve(context.Background(), c.ID, ChoiceKeepLocal))

	require.Len(t, f.entities.put, 1)
	resolved := f.entities.put[0].(*store.Card)
	assert.Equal(t, "local edit", resolved.Content)
	assert.Equal(t, int64(6), resolved.SyncVersion)

	require.Len(t, f.ops.ops, 1)
	assert.Equal(t, queue.OpTypeUpdate, f.ops.ops[0].Type)
	assert.Equal(t, queue.PriorityHigh, f.ops.ops[0].Priority)

	saved, err := f.history.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, saved.Status)
	assert.Equal(t, ChoiceKeepLocal, saved.Resolution)
}

func TestResolveKeepRemoteDoesNotQueue(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(5, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, f.engine.Resolve(context.Background(), c.ID, ChoiceKeepRemote))

	require.Len(t, f.entities.put, 1)
	assert.Equal(t, "remote edit", f.entities.put[0].(*store.Card).Content)
	assert.Empty(t, f.ops.ops)
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(5, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, f.engine.Resolve(context.Background(), c.ID, ChoiceKeepLocal))
	require.NoError(t, f.engine.Resolve(context.Background(), c.ID, ChoiceKeepLocal))

	assert.Len(t, f.entities.put, 1)
	assert.Len(t, f.ops.ops, 1)
}

func TestResolveWithExplicitPayload(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(5, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	// Neither recorded version: a hand-merged document
	payload := []byte(`{"id":"card_1","title":"Spaced repetition","content":"hand merged","sync_version":2}`)
	require.NoError(t, f.engine.ResolveWith(context.Background(), c.ID, payload))

	require.Len(t, f.entities.put, 1)
	resolved := f.entities.put[0].(*store.Card)
	assert.Equal(t, "hand merged", resolved.Content)
	assert.Equal(t, int64(6), resolved.SyncVersion)

	require.Len(t, f.ops.ops, 1)
	assert.Equal(t, queue.OpTypeUpdate, f.ops.ops[0].Type)
	assert.Equal(t, queue.PriorityHigh, f.ops.ops[0].Priority)

	saved, err := f.history.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, saved.Status)
	assert.Equal(t, ChoiceManual, saved.Resolution)
}

func TestResolveWithRejectsMismatchedEntity(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(5, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	payload := []byte(`{"id":"card_other","title":"t","content":"c","sync_version":2}`)
	err = f.engine.ResolveWith(context.Background(), c.ID, payload)
	require.Error(t, err)

	assert.Empty(t, f.entities.put)
	saved, _ := f.history.GetByID(context.Background(), c.ID)
	assert.Equal(t, StatusPending, saved.Status)
}

func TestPruneHistoryUsesConfiguredLimit(t *testing.T) {
	f := newEngineFixture()

	require.NoError(t, f.engine.PruneHistory(context.Background()))
	assert.Equal(t, []int{500}, f.history.pruneKeeps)
}

func TestPruneHistoryDisabledWithoutLimit(t *testing.T) {
	cfg := testConflictConfig()
	cfg.HistoryLimit = 0
	history := newFakeHistory()
	engine := NewEngine(cfg, history, &fakeEntities{}, &fakeOps{}, clock.NewMock(), loggy.NewNoopLogger())

	require.NoError(t, engine.PruneHistory(context.Background()))
	assert.Empty(t, history.pruneKeeps)
}

func TestAutoResolveSkipsManualAndLowConfidence(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	// Containment merge, confidence 0.9: auto-resolvable
	localA := cardAt(2, "Review daily.", base.Add(time.Minute))
	remoteA := snapshotOf(t, cardAt(3, "Review daily. Then rest.", base.Add(2*time.Minute)))
	ca, err := f.engine.Detect(context.Background(), localA, remoteA, base)
	require.NoError(t, err)
	require.NotNil(t, ca)

	// Delete race: manual only
	localB := cardAt(2, "edited", base.Add(time.Minute))
	localB.ID = "card_2"
	remoteCardB := cardAt(3, "edited", base.Add(2*time.Minute))
	remoteCardB.ID = "card_2"
	remoteCardB.Deleted = true
	cb, err := f.engine.Detect(context.Background(), localB, snapshotOf(t, remoteCardB), base)
	require.NoError(t, err)
	require.NotNil(t, cb)

	resolved, err := f.engine.AutoResolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	savedA, _ := f.history.GetByID(context.Background(), ca.ID)
	assert.Equal(t, StatusResolved, savedA.Status)
	savedB, _ := f.history.GetByID(context.Background(), cb.ID)
	assert.Equal(t, StatusPending, savedB.Status)
}

func TestIgnoreDismissesWithoutWriting(t *testing.T) {
	f := newEngineFixture()
	base := f.clk.Now()

	local := cardAt(2, "local edit", base.Add(time.Minute))
	remote := snapshotOf(t, cardAt(5, "remote edit", base.Add(2*time.Minute)))

	c, err := f.engine.Detect(context.Background(), local, remote, base)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, f.engine.Ignore(context.Background(), c.ID))

	saved, _ := f.history.GetByID(context.Background(), c.ID)
	assert.Equal(t, StatusIgnored, saved.Status)
	assert.Empty(t, f.entities.put)
}
