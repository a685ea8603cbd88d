package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.sqlite3")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	require.NoError(t, err)
	require.Equal(t, 2, version)
}

func TestCreateGetUpdateDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := &Document{
		Layer:      LayerSemantic,
		Type:       "fact",
		Content:    "the build server lives at 10.0.0.4",
		Concepts:   "{}",
		Confidence: 70,
		DecayScore: 100,
	}
	created, err := s.CreateDocument(ctx, d)
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	fetched, err := s.GetDocument(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "the build server lives at 10.0.0.4", fetched.Content)
	require.Equal(t, LayerSemantic, fetched.Layer)

	fetched.Confidence = 80
	require.NoError(t, s.UpdateDocument(ctx, fetched))

	reloaded, err := s.GetDocument(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 80, reloaded.Confidence)
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDocument(context.Background(), 99999)
	require.Error(t, err)
}

func TestLexicalSearchFindsMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, &Document{
		Layer:   LayerSemantic,
		Type:    "fact",
		Content: "qdrant handles vector similarity search for the memory core",
		Concepts: "{}",
	})
	require.NoError(t, err)

	docs, err := s.LexicalSearch(ctx, "qdrant", SearchFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Contains(t, docs[0].Content, "qdrant")
}

func TestArchiveDocumentExcludesFromSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.CreateDocument(ctx, &Document{
		Layer:   LayerSemantic,
		Type:    "fact",
		Content: "outdated deployment procedure",
		Concepts: "{}",
	})
	require.NoError(t, err)

	rep, err := s.CreateDocument(ctx, &Document{
		Layer:   LayerSemantic,
		Type:    "fact",
		Content: "current deployment procedure",
		Concepts: "{}",
	})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveDocument(ctx, d.ID, &rep.ID, "superseded by newer revision"))

	docs, err := s.ListDocuments(ctx, SearchFilter{Limit: 10})
	require.NoError(t, err)
	for _, got := range docs {
		require.NotEqual(t, d.ID, got.ID)
	}

	found, err := s.LexicalSearch(ctx, "outdated", SearchFilter{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, found)

	log, err := s.ListSupersedeLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, d.ID, log[0].SupersededID)
}

func TestQueueEntryDuplicateDeliveryRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entry := &QueueEntryRow{
		ID:             "q1",
		Conversation:   "conv-1",
		DeliveryID:     "dup-1",
		Body:           "hello",
		ReceivedAt:     now,
		FirstSeenAt:    now,
		NextEligibleAt: now,
		State:          "pending",
	}
	require.NoError(t, s.InsertQueueEntry(ctx, entry))

	dupe := *entry
	dupe.ID = "q2"
	err := s.InsertQueueEntry(ctx, &dupe)
	require.Error(t, err)
}

func TestPendingQueueEntriesOrderedFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.InsertQueueEntry(ctx, &QueueEntryRow{
			ID:             id,
			Conversation:   "conv-1",
			DeliveryID:     id,
			Body:           "msg",
			ReceivedAt:     base.Add(time.Duration(i) * time.Second),
			FirstSeenAt:    base.Add(time.Duration(i) * time.Second),
			NextEligibleAt: base,
			State:          "pending",
		}))
	}

	pending, err := s.PendingQueueEntries(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "a", pending[0].ID)
	require.Equal(t, "c", pending[2].ID)
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.InsertQueueEntry(ctx, &QueueEntryRow{
		ID: "q1", Conversation: "conv-1", DeliveryID: "d1", Body: "x",
		ReceivedAt: now, FirstSeenAt: now, NextEligibleAt: now, State: "retry",
	}))

	require.NoError(t, s.InsertDeadLetter(ctx, &DeadLetterRow{
		ID: "dl1", DeliveryID: "d1", Conversation: "conv-1",
		EntrySnapshot: "{}", FinalError: "container timeout",
	}, "q1"))

	letters, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	require.NoError(t, s.DeleteDeadLetter(ctx, "dl1"))
	letters, err = s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func TestFloatIntRoundTrip(t *testing.T) {
	for _, f := range []float64{0, 0.01, 0.33, 0.5, 0.999, 1} {
		i := FloatToInt(f)
		require.GreaterOrEqual(t, i, 0)
		require.LessOrEqual(t, i, 100)
	}
	for _, i := range []int{0, 1, 50, 99, 100} {
		require.Equal(t, i, FloatToInt(IntToFloat(i)))
	}
}

func TestSnapshotWritesThreeForms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateDocument(ctx, &Document{Layer: LayerSemantic, Content: "snapshot me", Concepts: "{}"})
	require.NoError(t, err)

	base, err := s.Snapshot(t.TempDir())
	require.NoError(t, err)
	require.FileExists(t, base+".sqlite3")
	require.FileExists(t, base+".json")
	require.FileExists(t, base+".csv")
}
