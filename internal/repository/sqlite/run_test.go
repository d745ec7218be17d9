package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
)

func setupRepo(t *testing.T) *RunRepository {
	t.Helper()
	db, err := New(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "run.sqlite3"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRunRepository(db)
}

func seedParticipants(t *testing.T, repo *RunRepository) {
	t.Helper()
	err := repo.InsertParticipants(context.Background(), []domain.Participant{
		{SessionName: "dictator", SessionID: "s1", ParticipantID: "p1aaaaaa", IsHuman: false, URL: "http://x/p1aaaaaa"},
		{SessionName: "dictator", SessionID: "s1", ParticipantID: "p2bbbbbb", IsHuman: false, URL: "http://x/p2bbbbbb"},
		{SessionName: "dictator", SessionID: "s1", ParticipantID: "p3cccccc", IsHuman: true, URL: "http://x/p3cccccc"},
		{SessionName: "trust", SessionID: "s2", ParticipantID: "p4dddddd", IsHuman: false, URL: "http://x/p4dddddd"},
	})
	require.NoError(t, err)
}

func TestParticipantLifecycle(t *testing.T) {
	repo := setupRepo(t)
	seedParticipants(t, repo)
	ctx := context.Background()

	p, err := repo.GetParticipant(ctx, "p1aaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "dictator", p.SessionName)
	assert.Nil(t, p.TimeIn)
	assert.Nil(t, p.TimeOut)

	_, err = repo.GetParticipant(ctx, "missing")
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	all, err := repo.ListParticipants(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	s1, err := repo.ListParticipants(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, s1, 3)
}

func TestBotURLsFreshAndResume(t *testing.T) {
	repo := setupRepo(t)
	seedParticipants(t, repo)
	ctx := context.Background()

	// Fresh session: bot seats never started. Humans are excluded.
	urls, err := repo.BotURLs(ctx, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://x/p1aaaaaa", "http://x/p2bbbbbb"}, urls)

	// One bot started but crashed before finishing, the other finished.
	require.NoError(t, repo.MarkStarted(ctx, "p1aaaaaa", time.Now().UTC()))
	require.NoError(t, repo.MarkStarted(ctx, "p2bbbbbb", time.Now().UTC()))
	require.NoError(t, repo.MarkFinished(ctx, "p2bbbbbb", time.Now().UTC()))

	urls, err = repo.BotURLs(ctx, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://x/p1aaaaaa"}, urls)

	urls, err = repo.BotURLs(ctx, "s1", false)
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestMarkUnknownParticipant(t *testing.T) {
	repo := setupRepo(t)
	err := repo.MarkStarted(context.Background(), "nobody", time.Now().UTC())
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestConversationRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec := &domain.ConversationRecord{
		ParticipantID: "p1aaaaaa",
		RunParameters: map[string]any{"model": "test-model", "throttle": false},
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "system"},
			{Role: domain.RoleUser, Content: "page text"},
			{Role: domain.RoleAssistant, Content: `{"summary": "s", "confused": false}`},
		},
	}
	require.NoError(t, repo.SaveConversation(ctx, rec))

	got, err := repo.GetConversation(ctx, "p1aaaaaa")
	require.NoError(t, err)
	assert.Equal(t, rec.Messages, got.Messages)
	assert.Equal(t, "test-model", got.RunParameters["model"])

	// Re-running the seat replaces the transcript.
	rec.Messages = rec.Messages[:1]
	require.NoError(t, repo.SaveConversation(ctx, rec))
	got, err = repo.GetConversation(ctx, "p1aaaaaa")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)

	all, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
