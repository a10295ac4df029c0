package repository

import (
	"fmt"
	"testing"
	"time"

	"maklermail-backend/internal/message/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Message{},
		&domain.ClassificationArtifact{},
		&domain.IntentArtifact{},
		&domain.RouteArtifact{},
		&domain.QAArtifact{},
	))
	return db
}

func inbound(providerID string) *domain.Message {
	return &domain.Message{
		AgentID:           "agent-1",
		LeadID:            "lead-1",
		Sender:            domain.SenderUser,
		Subject:           "Anfrage",
		Text:              "Ist die Wohnung noch frei?",
		ProviderMessageID: providerID,
		ProviderThreadID:  "thread-1",
		Timestamp:         time.Now(),
		Status:            domain.StatusIntentPending,
		SendStatus:        domain.SendPending,
	}
}

func TestUpsertInboundDedupes(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))

	created, err := repo.UpsertInbound(inbound("gm-1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Re-delivered push: same provider id, no second row.
	created, err = repo.UpsertInbound(inbound("gm-1"))
	require.NoError(t, err)
	assert.False(t, created)

	msg, err := repo.FindByProviderID("gm-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, domain.StatusIntentPending, msg.Status)
}

func TestAdvanceStatusOptimisticLock(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	msg := inbound("gm-2")
	_, err := repo.UpsertInbound(msg)
	require.NoError(t, err)

	won, err := repo.AdvanceStatus(msg.ID, domain.StatusIntentPending, domain.StatusIntentDone)
	require.NoError(t, err)
	assert.True(t, won)

	// Second racer expects the old pre-state and must lose without error.
	won, err = repo.AdvanceStatus(msg.ID, domain.StatusIntentPending, domain.StatusIntentDone)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := repo.FindByID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIntentDone, got.Status)
}

func TestAdvanceStatusRejectsIllegalTransition(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	msg := inbound("gm-3")
	_, err := repo.UpsertInbound(msg)
	require.NoError(t, err)

	_, err = repo.AdvanceStatus(msg.ID, domain.StatusIntentPending, domain.StatusSent)
	assert.Error(t, err)
}

func TestSendLockExactlyOne(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	draft := &domain.Message{
		AgentID:          "agent-1",
		Sender:           domain.SenderAgent,
		Text:             "draft",
		ReplyToMessageID: "inbound-1",
		SendStatus:       domain.SendPending,
		DraftRevision:    1,
	}
	require.NoError(t, repo.CreateDraft(draft))

	first, err := repo.AcquireSendLock(draft.ID, time.Now())
	require.NoError(t, err)
	second, err := repo.AcquireSendLock(draft.ID, time.Now())
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second, "second dispatcher must observe zero affected rows")
}

func TestReleaseSendLockMakesRetryable(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	draft := &domain.Message{
		Sender:           domain.SenderAgent,
		ReplyToMessageID: "inbound-2",
		SendStatus:       domain.SendPending,
	}
	require.NoError(t, repo.CreateDraft(draft))

	locked, err := repo.AcquireSendLock(draft.ID, time.Now())
	require.NoError(t, err)
	require.True(t, locked)

	longError := make([]byte, 600)
	for i := range longError {
		longError[i] = 'x'
	}
	require.NoError(t, repo.ReleaseSendLock(draft.ID, string(longError)))

	got, err := repo.FindByID(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SendFailed, got.SendStatus)
	assert.Nil(t, got.SendLockedAt)
	assert.Len(t, got.SendError, 500)

	// failed + unlocked is claimable again.
	locked, err = repo.AcquireSendLock(draft.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestMarkSentClearsLockAndRecordsProviderIDs(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	draft := &domain.Message{
		Sender:           domain.SenderAgent,
		ReplyToMessageID: "inbound-3",
		SendStatus:       domain.SendPending,
	}
	require.NoError(t, repo.CreateDraft(draft))

	locked, err := repo.AcquireSendLock(draft.ID, time.Now())
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, repo.MarkSent(draft.ID, "gm-out-1", "thread-9"))

	got, err := repo.FindByID(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SendSent, got.SendStatus)
	assert.Nil(t, got.SendLockedAt)
	assert.Equal(t, "gm-out-1", got.ProviderMessageID)
	assert.Equal(t, "thread-9", got.ProviderThreadID)

	// A sent draft can never be claimed again.
	locked, err = repo.AcquireSendLock(draft.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFindDraftByReplyToReturnsLatestRevision(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	for rev := 1; rev <= 3; rev++ {
		require.NoError(t, repo.CreateDraft(&domain.Message{
			Sender:           domain.SenderAgent,
			Text:             fmt.Sprintf("rev %d", rev),
			ReplyToMessageID: "inbound-4",
			DraftRevision:    rev,
		}))
	}

	draft, err := repo.FindDraftByReplyTo("inbound-4")
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, 3, draft.DraftRevision)
}

func TestListByStatusExcludesDrafts(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t))
	_, err := repo.UpsertInbound(inbound("gm-5"))
	require.NoError(t, err)
	require.NoError(t, repo.CreateDraft(&domain.Message{
		Sender:           domain.SenderAgent,
		Status:           domain.StatusIntentPending,
		ReplyToMessageID: "x",
	}))

	msgs, err := repo.ListByStatus(domain.StatusIntentPending, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
}

func TestArtifactInsertIsIdempotent(t *testing.T) {
	repo := NewArtifactRepository(newTestDB(t))

	a := &domain.IntentArtifact{MessageID: "m1", PromptVersion: "intent-v1", Intent: "PROPERTY_SPECIFIC", Confidence: 0.9}
	require.NoError(t, repo.InsertIntent(a))
	require.NoError(t, repo.InsertIntent(&domain.IntentArtifact{MessageID: "m1", PromptVersion: "intent-v1", Intent: "OTHER"}))

	got, err := repo.FindIntent("m1", "intent-v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PROPERTY_SPECIFIC", got.Intent, "first write wins, duplicates are no-ops")
}

func TestQAArtifactKeyedByRevision(t *testing.T) {
	repo := NewArtifactRepository(newTestDB(t))

	require.NoError(t, repo.InsertQA(&domain.QAArtifact{MessageID: "m2", PromptVersion: "qa-v1", DraftRevision: 1, Verdict: "warn"}))
	require.NoError(t, repo.InsertQA(&domain.QAArtifact{MessageID: "m2", PromptVersion: "qa-v1", DraftRevision: 2, Verdict: "pass"}))

	first, err := repo.FindQA("m2", "qa-v1", 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "warn", first.Verdict)

	latest, err := repo.LatestQA("m2")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "pass", latest.Verdict)
}
