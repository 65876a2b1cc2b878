package oracle

import (
	"strconv"

	"chainscore/core/types"
)

const (
	EventTypeRequestCreated   = "oracle.request.created"
	EventTypeRequestConfirmed = "oracle.request.confirmed"
	EventTypeRequestResolved  = "oracle.request.resolved"
	EventTypeRequestCancelled = "oracle.request.cancelled"
	EventTypeRequestExpired   = "oracle.request.expired"
	EventTypeOraclePaid       = "oracle.request.paid"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// request.
func NewCreatedEvent(r *Request) *types.Event { return newRequestEvent(EventTypeRequestCreated, r) }

// NewConfirmedEvent returns the payload emitted when a confirmation is
// accepted.
func NewConfirmedEvent(r *Request, c Confirmation) *types.Event {
	evt := newRequestEvent(EventTypeRequestConfirmed, r)
	evt.Attributes["confirmationId"] = c.ID.Hex()
	evt.Attributes["oracle"] = c.From.Hex()
	if c.Data != nil {
		evt.Attributes["data"] = c.Data.Dec()
	}
	return evt
}

// NewResolvedEvent returns the payload emitted when quorum resolves a request.
func NewResolvedEvent(r *Request) *types.Event { return newRequestEvent(EventTypeRequestResolved, r) }

// NewCancelledEvent returns the payload emitted when the sender cancels.
func NewCancelledEvent(r *Request) *types.Event {
	return newRequestEvent(EventTypeRequestCancelled, r)
}

// NewExpiredEvent returns the payload emitted when an expired request is
// closed out.
func NewExpiredEvent(r *Request) *types.Event { return newRequestEvent(EventTypeRequestExpired, r) }

// NewPaidEvent returns the payload emitted for each oracle payout.
func NewPaidEvent(r *Request, p Payout) *types.Event {
	evt := &types.Event{Type: EventTypeOraclePaid, Attributes: map[string]string{}}
	if r != nil {
		evt.Attributes["id"] = r.ID.Hex()
	}
	evt.Attributes["oracle"] = p.Oracle.Hex()
	if p.Amount != nil {
		evt.Attributes["amount"] = p.Amount.String()
	}
	return evt
}

func newRequestEvent(eventType string, r *Request) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = r.ID.Hex()
	attrs["sender"] = r.Sender.Hex()
	attrs["specId"] = r.SpecID.Hex()
	attrs["nonce"] = strconv.FormatUint(r.Nonce, 10)
	attrs["status"] = r.Status.String()
	attrs["confirmations"] = strconv.Itoa(len(r.Confirmations))
	attrs["cancelExpiration"] = strconv.FormatInt(r.CancelExpiration, 10)
	if r.Payment != nil {
		attrs["payment"] = r.Payment.String()
	}
	if r.FinalData != nil {
		attrs["finalData"] = r.FinalData.Dec()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

type oracleEvent struct {
	evt *types.Event
}

func (e oracleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e oracleEvent) Event() *types.Event { return e.evt }
