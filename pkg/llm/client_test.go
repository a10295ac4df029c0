package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewClient(server.URL, "test-key", "test-model", 5*time.Second), server
}

func TestCompleteDecision(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"decision":"auto_reply","email_type":"LEAD","confidence":0.98,"reason":"clear lead"}`))
	})
	defer server.Close()

	d, err := client.CompleteDecision(context.Background(), Request{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "auto_reply", d.Decision)
	assert.Equal(t, "LEAD", d.EmailType)
	assert.InDelta(t, 0.98, d.Confidence, 1e-9)
}

func TestCompleteDecisionRejectsUnknownFields(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"auto_reply","surprise":"field"}`))
	})
	defer server.Close()

	_, err := client.CompleteDecision(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestCompleteDecisionRequiresDecision(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"email_type":"LEAD","confidence":0.99}`))
	})
	defer server.Close()

	_, err := client.CompleteDecision(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestCompleteDecisionNon200(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	defer server.Close()

	_, err := client.CompleteDecision(context.Background(), Request{})
	assert.Error(t, err)
}

func TestCompleteDecisionPercentScale(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"decision":"auto_reply","email_type":"LEAD","confidence":98,"reason":""}`))
	})
	defer server.Close()

	d, err := client.CompleteDecision(context.Background(), Request{})
	require.NoError(t, err)
	assert.InDelta(t, 0.98, d.Confidence, 1e-9)
}

func TestCompleteVerdict(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"verdict":"warn","reason":"tone","score":0.6}`))
	})
	defer server.Close()

	v, err := client.CompleteVerdict(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "warn", v.Verdict)
}

func TestCompleteVerdictRejectsUnknownVerdict(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"verdict":"maybe","reason":"","score":0}`))
	})
	defer server.Close()

	_, err := client.CompleteVerdict(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestCompleteTextRequiresText(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":""}`))
	})
	defer server.Close()

	_, err := client.CompleteText(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestNotConfigured(t *testing.T) {
	client := NewClient("", "", "", time.Second)
	assert.False(t, client.Configured())

	_, err := client.CompleteDecision(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNormalizeConfidence(t *testing.T) {
	assert.Equal(t, 0.5, normalizeConfidence(0.5))
	assert.Equal(t, 0.5, normalizeConfidence(50))
	assert.Equal(t, 1.0, normalizeConfidence(150))
	assert.Equal(t, 0.0, normalizeConfidence(-3))
	assert.Equal(t, 1.0, normalizeConfidence(1))
}
