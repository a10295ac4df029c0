package usecase

import (
	"strings"

	ingestdomain "maklermail-backend/internal/ingest/domain"
)

// Signals are the deterministic bulk-mail indicators extracted from the
// header allowlist. They feed both the hard block and the classifier prompt,
// and are persisted verbatim on the classification artifact.
type Signals struct {
	ListUnsubscribe bool `json:"list_unsubscribe"`
	ListID          bool `json:"list_id"`
	PrecedenceBulk  bool `json:"precedence_bulk"`
	AutoSubmitted   bool `json:"auto_submitted"`
	NoReplySender   bool `json:"no_reply_sender"`
}

// Bulk reports whether any bulk/no-reply signal is present.
func (s Signals) Bulk() bool {
	return s.ListUnsubscribe || s.ListID || s.PrecedenceBulk || s.AutoSubmitted || s.NoReplySender
}

// DetectSignals derives the deterministic signals from message headers.
func DetectSignals(meta *ingestdomain.MessageMeta) Signals {
	header := func(name string) string {
		return strings.ToLower(strings.TrimSpace(meta.Headers[name]))
	}
	precedence := header("Precedence")
	autoSubmitted := header("Auto-Submitted")
	from := strings.ToLower(meta.From)

	return Signals{
		ListUnsubscribe: header("List-Unsubscribe") != "",
		ListID:          header("List-Id") != "",
		PrecedenceBulk:  precedence == "bulk" || precedence == "list" || precedence == "junk",
		AutoSubmitted:   autoSubmitted != "" && autoSubmitted != "no",
		NoReplySender:   strings.Contains(from, "no-reply") || strings.Contains(from, "noreply") || strings.Contains(from, "donotreply"),
	}
}

// sensitiveSubjectKeywords is the fixed hard-block keyword list (English and
// German). A match alone is not enough; a bulk signal must also be present.
var sensitiveSubjectKeywords = []string{
	"password", "passwort",
	"security", "sicherheit",
	"invoice", "rechnung", "billing",
	"subscription", "abo", "abonnement", "kündigung",
	"verification", "verifizierung",
}

func subjectIsSensitive(subject string) bool {
	lower := strings.ToLower(subject)
	for _, kw := range sensitiveSubjectKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
