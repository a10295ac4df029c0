// Package audit posts pipeline events to an operator-configured webhook.
// Delivery is best effort: a nil notifier, a bad URL or a failed POST never
// blocks or fails the calling path.
package audit

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Event names emitted by the pipeline.
const (
	EventClassified = "message.classified"
	EventDrafted    = "message.drafted"
	EventSent       = "message.sent"
	EventNeedsHuman = "message.needs_human"
)

type Event struct {
	Name      string    `json:"name"`
	AgentID   string    `json:"agent_id"`
	MessageID string    `json:"message_id"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type Notifier struct {
	webhookURL string
	client     *http.Client
}

// NewNotifier returns nil when no webhook is configured; a nil Notifier is
// safe to call.
func NewNotifier(webhookURL string) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify fires the event in the background and returns immediately.
func (n *Notifier) Notify(name, agentID, messageID, detail string) {
	if n == nil {
		return
	}
	event := Event{Name: name, AgentID: agentID, MessageID: messageID, Detail: detail, At: time.Now()}
	go func() {
		body, err := json.Marshal(event)
		if err != nil {
			return
		}
		resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("[Audit] Webhook delivery failed: %v", err)
			return
		}
		resp.Body.Close()
	}()
}
