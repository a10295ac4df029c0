package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	agentdomain "maklermail-backend/internal/agent/domain"
	agentrepo "maklermail-backend/internal/agent/repository"
	conndomain "maklermail-backend/internal/connection/domain"
	connrepo "maklermail-backend/internal/connection/repository"
	ingestdomain "maklermail-backend/internal/ingest/domain"
	leaddomain "maklermail-backend/internal/lead/domain"
	leadrepo "maklermail-backend/internal/lead/repository"
	msgdomain "maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptrepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeModel answers the shared classifier contract, dispatching on which
// stage's system prompt is calling.
type fakeModel struct {
	mu        sync.Mutex
	qaVerdict string
	qaCalls   int
}

func (m *fakeModel) handler(w http.ResponseWriter, r *http.Request) {
	var req llm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.Contains(req.SystemPrompt, "label the intent"):
		fmt.Fprint(w, `{"decision":"PROPERTY_SPECIFIC","confidence":0.95,"reason":"asks about a listing"}`)
	case strings.Contains(req.SystemPrompt, "review a drafted reply"):
		m.qaCalls++
		fmt.Fprintf(w, `{"verdict":%q,"reason":"checked","score":0.9}`, m.qaVerdict)
	case strings.Contains(req.SystemPrompt, "rewrite a drafted reply"):
		fmt.Fprint(w, `{"text":"Überarbeitete Antwort: die Wohnung ist noch verfügbar."}`)
	case strings.Contains(req.SystemPrompt, "write a reply"):
		fmt.Fprint(w, `{"text":"Guten Tag, die Wohnung in der Musterstraße ist noch verfügbar."}`)
	default:
		http.Error(w, "unexpected prompt", http.StatusBadRequest)
	}
}

type stubProvider struct {
	anchorID  string
	sent      []*ingestdomain.SendRequest
	sendErr   error
}

func (p *stubProvider) ListAddedMessages(ctx context.Context, access, refresh, cursor string, onRefresh conndomain.TokenUpdateFunc) ([]ingestdomain.MessageRef, error) {
	return nil, nil
}

func (p *stubProvider) ListRecentMessages(ctx context.Context, access, refresh string, window time.Duration, max int64, onRefresh conndomain.TokenUpdateFunc) ([]ingestdomain.MessageRef, error) {
	return nil, nil
}

func (p *stubProvider) GetMessageMeta(ctx context.Context, access, refresh, id string, onRefresh conndomain.TokenUpdateFunc) (*ingestdomain.MessageMeta, error) {
	return &ingestdomain.MessageMeta{
		ID:      id,
		Headers: map[string]string{"Message-ID": p.anchorID},
	}, nil
}

func (p *stubProvider) GetMessageBody(ctx context.Context, access, refresh, id string, onRefresh conndomain.TokenUpdateFunc) (string, error) {
	return "", nil
}

func (p *stubProvider) SendReply(ctx context.Context, access, refresh string, req *ingestdomain.SendRequest, onRefresh conndomain.TokenUpdateFunc) (*ingestdomain.SendResult, error) {
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	p.sent = append(p.sent, req)
	return &ingestdomain.SendResult{MessageID: "gm-out-1", ThreadID: req.ThreadID}, nil
}

func (p *stubProvider) Watch(ctx context.Context, access, refresh string, onRefresh conndomain.TokenUpdateFunc) (time.Time, error) {
	return time.Now().Add(7 * 24 * time.Hour), nil
}

func (p *stubProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
	return "fresh", "", time.Now().Add(time.Hour), nil
}

type fixture struct {
	db       *gorm.DB
	messages msgrepo.MessageRepository
	arts     msgrepo.ArtifactRepository
	leads    leadrepo.LeadRepository
	settings agentrepo.SettingsRepository
	conns    connrepo.ConnectionRepository
	prompts  promptrepo.PromptRepository
	client   *llm.Client
	model    *fakeModel
	provider *stubProvider
	inbound  *msgdomain.Message
	lead     *leaddomain.Lead
}

func newPipelineFixture(t *testing.T, autosend bool) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&conndomain.Connection{},
		&agentdomain.AgentSettings{},
		&leaddomain.Lead{},
		&msgdomain.Message{},
		&msgdomain.IntentArtifact{},
		&msgdomain.RouteArtifact{},
		&msgdomain.QAArtifact{},
		&promptdomain.Prompt{},
	))

	model := &fakeModel{qaVerdict: "pass"}
	server := httptest.NewServer(http.HandlerFunc(model.handler))
	t.Cleanup(server.Close)

	f := &fixture{
		db:       db,
		messages: msgrepo.NewMessageRepository(db),
		arts:     msgrepo.NewArtifactRepository(db),
		leads:    leadrepo.NewLeadRepository(db),
		settings: agentrepo.NewSettingsRepository(db),
		conns:    connrepo.NewConnectionRepository(db),
		prompts:  promptrepo.NewPromptRepository(db),
		client:   llm.NewClient(server.URL, "", "test-model", 5*time.Second),
		model:    model,
		provider: &stubProvider{anchorID: "<original@mail.example>"},
	}

	require.NoError(t, f.settings.Upsert(&agentdomain.AgentSettings{
		AgentID:         "agent-1",
		AutosendEnabled: autosend,
		ReplyLanguage:   "de",
		SignatureName:   "Erika Makler",
	}))
	require.NoError(t, f.conns.Create(&conndomain.Connection{
		AgentID:        "agent-1",
		Provider:       "gmail",
		MailboxAddress: "agent@office.example",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiry:    time.Now().Add(time.Hour),
	}))

	f.lead = &leaddomain.Lead{
		AgentID:          "agent-1",
		ProviderThreadID: "t-1",
		Email:            "max@example.com",
		Name:             "Max Muster",
		LastMessageAt:    time.Now(),
	}
	require.NoError(t, f.leads.Create(f.lead))

	f.inbound = &msgdomain.Message{
		LeadID:            f.lead.ID,
		AgentID:           "agent-1",
		Sender:            msgdomain.SenderUser,
		Subject:           "Ist die Wohnung in der Musterstraße noch frei?",
		Text:              "Guten Tag, ich interessiere mich für https://portal.example/expose/123 — ist die Wohnung noch frei?",
		FromAddress:       "max@example.com",
		ProviderMessageID: "gm-in-1",
		ProviderThreadID:  "t-1",
		Timestamp:         time.Now(),
		Status:            msgdomain.StatusIntentPending,
		SendStatus:        msgdomain.SendPending,
		EmailType:         "LEAD",
	}
	created, err := f.messages.UpsertInbound(f.inbound)
	require.NoError(t, err)
	require.True(t, created)
	return f
}

func (f *fixture) runStages(ctx context.Context, t *testing.T, batchSize int) {
	t.Helper()
	NewIntentRunner(f.messages, f.arts, f.prompts, f.client, batchSize).RunOnce(ctx)
	NewRouteRunner(f.messages, f.arts, f.leads, f.prompts, batchSize).RunOnce(ctx)
	NewDraftRunner(f.messages, f.arts, f.leads, f.settings, f.prompts, f.client, nil, batchSize).RunOnce(ctx)
	NewQARunner(f.messages, f.arts, f.settings, f.prompts, f.client, nil, batchSize).RunOnce(ctx)
}

func (f *fixture) status(t *testing.T) msgdomain.Status {
	t.Helper()
	msg, err := f.messages.FindByID(f.inbound.ID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg.Status
}

func TestPipelineLeadToReadyToSendWithAutosend(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)

	f.runStages(ctx, t, 10)
	assert.Equal(t, msgdomain.StatusReadyToSend, f.status(t))

	// The route stage kept the message anchored to the explicit listing.
	intentPrompt, err := f.prompts.Find(promptdomain.KeyIntent)
	require.NoError(t, err)
	route, err := f.arts.FindRoute(f.inbound.ID, intentPrompt.Version)
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, IntentPropertySpecific, route.Route)
	assert.Contains(t, route.PropertyRef, "expose/123")

	draft, err := f.messages.FindDraftByReplyTo(f.inbound.ID)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, msgdomain.SenderAgent, draft.Sender)
	assert.Contains(t, draft.Subject, "Re:")

	// Dispatch completes the scenario.
	NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusSent, f.status(t))

	require.Len(t, f.provider.sent, 1)
	sent := f.provider.sent[0]
	assert.Equal(t, "max@example.com", sent.To)
	assert.Equal(t, "<original@mail.example>", sent.InReplyTo)
	assert.Equal(t, "t-1", sent.ThreadID)

	sentDraft, err := f.messages.FindDraftByReplyTo(f.inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, msgdomain.SendSent, sentDraft.SendStatus)
	assert.Equal(t, "gm-out-1", sentDraft.ProviderMessageID)
}

func TestPipelineWithoutAutosendWaitsForApproval(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, false)

	f.runStages(ctx, t, 10)
	assert.Equal(t, msgdomain.StatusNeedsApproval, f.status(t))

	// Operator approval releases it to the dispatcher.
	won, err := f.messages.AdvanceStatus(f.inbound.ID, msgdomain.StatusNeedsApproval, msgdomain.StatusReadyToSend)
	require.NoError(t, err)
	require.True(t, won)

	NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusSent, f.status(t))
}

func TestQAWarnTriggersRewriteThenPasses(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)
	f.model.qaVerdict = "warn"

	f.runStages(ctx, t, 10)
	assert.Equal(t, msgdomain.StatusRewritePending, f.status(t))

	f.model.qaVerdict = "pass"
	NewRewriteRunner(f.messages, f.arts, f.prompts, f.client, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusQAPending, f.status(t))

	draft, err := f.messages.FindDraftByReplyTo(f.inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, draft.DraftRevision)
	assert.Contains(t, draft.Text, "Überarbeitete")

	NewQARunner(f.messages, f.arts, f.settings, f.prompts, f.client, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusReadyToSend, f.status(t))
}

func TestQAWarnExhaustsRewriteBudget(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)
	f.model.qaVerdict = "warn"

	f.runStages(ctx, t, 10)
	for i := 0; i < maxRewriteRounds; i++ {
		NewRewriteRunner(f.messages, f.arts, f.prompts, f.client, nil, 10).RunOnce(ctx)
		NewQARunner(f.messages, f.arts, f.settings, f.prompts, f.client, nil, 10).RunOnce(ctx)
	}

	assert.Equal(t, msgdomain.StatusNeedsHuman, f.status(t))
}

func TestQAFailGoesToHuman(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)
	f.model.qaVerdict = "fail"

	f.runStages(ctx, t, 10)
	assert.Equal(t, msgdomain.StatusNeedsHuman, f.status(t))
}

func TestDuplicateRunnerPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)

	// Two overlapping passes over every stage must behave like one.
	f.runStages(ctx, t, 10)
	f.runStages(ctx, t, 10)
	assert.Equal(t, msgdomain.StatusReadyToSend, f.status(t))

	draft, err := f.messages.FindDraftByReplyTo(f.inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, draft.DraftRevision, "no second draft from the duplicate pass")
	assert.Equal(t, 1, f.model.qaCalls, "QA verdict is reused, not recomputed")

	sender := NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10)
	sender.RunOnce(ctx)
	sender.RunOnce(ctx)
	assert.Len(t, f.provider.sent, 1, "duplicate dispatch pass sends nothing")
}

func TestSendRecipientMismatchParksForHuman(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)

	f.runStages(ctx, t, 10)
	require.Equal(t, msgdomain.StatusReadyToSend, f.status(t))

	// Lead address changed after drafting; the dispatcher must refuse.
	require.NoError(t, f.db.Model(&leaddomain.Lead{}).Where("id = ?", f.lead.ID).
		Update("email", "attacker@example.com").Error)

	NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusNeedsHuman, f.status(t))
	assert.Empty(t, f.provider.sent)
}

func TestSendMissingAnchorParksForHuman(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)
	f.provider.anchorID = ""

	f.runStages(ctx, t, 10)
	require.Equal(t, msgdomain.StatusReadyToSend, f.status(t))

	NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusNeedsHuman, f.status(t))
	assert.Empty(t, f.provider.sent)
}

func TestSendFailureReleasesLockForRetry(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, true)
	f.provider.sendErr = fmt.Errorf("gmail 503")

	f.runStages(ctx, t, 10)
	NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10).RunOnce(ctx)

	assert.Equal(t, msgdomain.StatusReadyToSend, f.status(t), "a transient failure keeps it retryable")
	draft, err := f.messages.FindDraftByReplyTo(f.inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, msgdomain.SendFailed, draft.SendStatus)
	assert.Nil(t, draft.SendLockedAt)
	assert.Contains(t, draft.SendError, "503")

	// Next pass succeeds once the provider recovers.
	f.provider.sendErr = nil
	NewSendRunner(f.messages, f.leads, f.conns, f.settings, f.provider, nil, 10).RunOnce(ctx)
	assert.Equal(t, msgdomain.StatusSent, f.status(t))
}
