package domain

// Status is the pipeline state-machine cursor on a Message. Stage runners
// may only move a message through AdvanceStatus, which performs a
// compare-and-advance conditional update; the transition table below is
// checked before any write.
type Status string

const (
	StatusIntentPending  Status = "intent_pending"
	StatusIntentDone     Status = "intent_done"
	StatusRouteResolved  Status = "route_resolved"
	StatusDraftCreated   Status = "draft_created"
	StatusQAPending      Status = "qa_pending"
	StatusNeedsApproval  Status = "needs_approval"
	StatusReadyToSend    Status = "ready_to_send"
	StatusRewritePending Status = "rewrite_pending"
	StatusNeedsHuman     Status = "needs_human"
	StatusSent           Status = "sent"
	StatusIgnored        Status = "ignored"
	StatusFailedDraft    Status = "failed_draft"
)

var transitions = map[Status][]Status{
	StatusIntentPending:  {StatusIntentDone, StatusNeedsHuman, StatusIgnored},
	StatusIntentDone:     {StatusRouteResolved, StatusNeedsHuman},
	StatusRouteResolved:  {StatusDraftCreated, StatusFailedDraft, StatusNeedsHuman},
	StatusDraftCreated:   {StatusQAPending},
	StatusQAPending:      {StatusNeedsApproval, StatusReadyToSend, StatusRewritePending, StatusNeedsHuman},
	StatusNeedsApproval:  {StatusReadyToSend, StatusNeedsHuman},
	StatusReadyToSend:    {StatusSent, StatusNeedsHuman},
	StatusRewritePending: {StatusQAPending, StatusNeedsHuman},
	// failed_draft is terminal except for the operator retry action.
	StatusFailedDraft: {StatusIntentPending},
}

// CanTransition reports whether from → to is a legal pipeline transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a message in this state is done as far as the
// runners are concerned.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusIgnored, StatusNeedsHuman, StatusFailedDraft:
		return true
	}
	return false
}
