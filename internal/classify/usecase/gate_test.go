package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ingestdomain "maklermail-backend/internal/ingest/domain"
	promptdomain "maklermail-backend/internal/prompt/domain"
	"maklermail-backend/pkg/llm"

	"github.com/stretchr/testify/assert"
)

type fakeClassifier struct {
	configured bool
	decision   *llm.Decision
	err        error
	calls      int
}

func (f *fakeClassifier) Configured() bool { return f.configured }

func (f *fakeClassifier) CompleteDecision(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

type fakePrompts struct{}

func (fakePrompts) Find(key string) (*promptdomain.Prompt, error) {
	return &promptdomain.Prompt{Key: key, Text: "classify", Version: key + "-v1"}, nil
}
func (fakePrompts) List() ([]*promptdomain.Prompt, error)  { return nil, nil }
func (fakePrompts) Upsert(p *promptdomain.Prompt) error    { return nil }

func inboundMeta(subject string, headers map[string]string) *ingestdomain.MessageMeta {
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Subject"] = subject
	return &ingestdomain.MessageMeta{
		ID:      "m1",
		From:    "max@example.com",
		Subject: subject,
		Snippet: "snippet",
		Date:    time.Now(),
		Headers: headers,
	}
}

func TestHardBlockSensitiveSubjectWithBulkSignal(t *testing.T) {
	client := &fakeClassifier{configured: true}
	gate := NewGate(client, fakePrompts{})

	meta := inboundMeta("Rechnung März", map[string]string{
		"List-Unsubscribe": "<mailto:unsub@billing.example>",
	})
	out := gate.Classify(context.Background(), meta)

	assert.True(t, out.HardBlocked)
	assert.Equal(t, DecisionIgnore, out.Decision)
	assert.Equal(t, EmailTypeSystem, out.EmailType)
	assert.Equal(t, 0.99, out.Confidence)
	assert.Equal(t, 0, client.calls, "hard block must not spend a model call")
}

func TestSensitiveSubjectAloneIsNotBlocked(t *testing.T) {
	client := &fakeClassifier{
		configured: true,
		decision:   &llm.Decision{Decision: "needs_approval", EmailType: "LEGAL", Confidence: 0.8},
	}
	gate := NewGate(client, fakePrompts{})

	// No bulk signal: a personal mail about an invoice goes to the model.
	out := gate.Classify(context.Background(), inboundMeta("Rechnung März", nil))

	assert.False(t, out.HardBlocked)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, DecisionNeedsApproval, out.Decision)
}

func TestFailClosedWhenNotConfigured(t *testing.T) {
	gate := NewGate(&fakeClassifier{configured: false}, fakePrompts{})
	out := gate.Classify(context.Background(), inboundMeta("Wohnungsanfrage", nil))

	assert.Equal(t, DecisionNeedsApproval, out.Decision)
	assert.False(t, out.HardBlocked)
}

func TestFailClosedOnClassifierError(t *testing.T) {
	gate := NewGate(&fakeClassifier{configured: true, err: errors.New("timeout")}, fakePrompts{})
	out := gate.Classify(context.Background(), inboundMeta("Wohnungsanfrage", nil))

	assert.Equal(t, DecisionNeedsApproval, out.Decision)
}

func TestConfidenceFloorSweep(t *testing.T) {
	for i := 0; i <= 100; i++ {
		confidence := float64(i) / 100.0
		client := &fakeClassifier{
			configured: true,
			decision:   &llm.Decision{Decision: DecisionAutoReply, EmailType: EmailTypeLead, Confidence: confidence},
		}
		gate := NewGate(client, fakePrompts{})
		out := gate.Classify(context.Background(), inboundMeta("Ist die Wohnung noch frei?", nil))

		want := DecisionNeedsApproval
		if i >= 97 {
			want = DecisionAutoReply
		}
		assert.Equal(t, want, out.Decision, fmt.Sprintf("confidence %.2f", confidence))
	}
}

func TestAutoReplyOnlyForLeadShapedMail(t *testing.T) {
	for _, emailType := range []string{"BUSINESS", "LEGAL", "SYSTEM", "OTHER"} {
		client := &fakeClassifier{
			configured: true,
			decision:   &llm.Decision{Decision: DecisionAutoReply, EmailType: emailType, Confidence: 0.99},
		}
		gate := NewGate(client, fakePrompts{})
		out := gate.Classify(context.Background(), inboundMeta("Anfrage", nil))
		assert.Equal(t, DecisionNeedsApproval, out.Decision, emailType)
	}

	for _, emailType := range []string{EmailTypeLead, EmailTypePortal} {
		client := &fakeClassifier{
			configured: true,
			decision:   &llm.Decision{Decision: DecisionAutoReply, EmailType: emailType, Confidence: 0.99},
		}
		gate := NewGate(client, fakePrompts{})
		out := gate.Classify(context.Background(), inboundMeta("Anfrage", nil))
		assert.Equal(t, DecisionAutoReply, out.Decision, emailType)
	}
}

func TestModelIgnoreIsHonored(t *testing.T) {
	client := &fakeClassifier{
		configured: true,
		decision:   &llm.Decision{Decision: DecisionIgnore, EmailType: EmailTypeSystem, Confidence: 0.5},
	}
	gate := NewGate(client, fakePrompts{})
	out := gate.Classify(context.Background(), inboundMeta("Newsletter", nil))

	assert.Equal(t, DecisionIgnore, out.Decision)
	assert.False(t, out.HardBlocked)
}

func TestUnknownDecisionDegrades(t *testing.T) {
	client := &fakeClassifier{
		configured: true,
		decision:   &llm.Decision{Decision: "auto_send", EmailType: EmailTypeLead, Confidence: 0.99},
	}
	gate := NewGate(client, fakePrompts{})
	out := gate.Classify(context.Background(), inboundMeta("Anfrage", nil))

	assert.Equal(t, DecisionNeedsApproval, out.Decision)
}

func TestDetectSignals(t *testing.T) {
	meta := inboundMeta("hello", map[string]string{
		"Precedence":     "bulk",
		"Auto-Submitted": "auto-generated",
		"List-Id":        "<news.example.com>",
	})
	meta.From = "noreply@portal.example"

	signals := DetectSignals(meta)
	assert.True(t, signals.PrecedenceBulk)
	assert.True(t, signals.AutoSubmitted)
	assert.True(t, signals.ListID)
	assert.True(t, signals.NoReplySender)
	assert.False(t, signals.ListUnsubscribe)
	assert.True(t, signals.Bulk())

	quiet := DetectSignals(inboundMeta("hello", map[string]string{"Auto-Submitted": "no"}))
	assert.False(t, quiet.Bulk())
}
