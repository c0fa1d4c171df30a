package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/store"
	"go.uber.org/zap"
)

// Events whose reference the ledger does not know yet are retried this many
// times before being given up.
const maxWebhookAttempts = 5

type EventKind int

const (
	EventUnknown EventKind = iota
	EventChargeSucceeded
	EventPayoutSucceeded
	EventPayoutFailed
	EventPayoutReversed
)

func ParseEventKind(name string) EventKind {
	switch name {
	case "charge.success":
		return EventChargeSucceeded
	case "transfer.success":
		return EventPayoutSucceeded
	case "transfer.failed":
		return EventPayoutFailed
	case "transfer.reversed":
		return EventPayoutReversed
	default:
		return EventUnknown
	}
}

func (k EventKind) String() string {
	switch k {
	case EventChargeSucceeded:
		return "charge-succeeded"
	case EventPayoutSucceeded:
		return "payout-succeeded"
	case EventPayoutFailed:
		return "payout-failed"
	case EventPayoutReversed:
		return "payout-reversed"
	default:
		return "unknown"
	}
}

// Event is a decoded processor notification. Nothing in it is trusted beyond
// the fact that the processor sent it; amounts are checked against the ledger.
type Event struct {
	Name         string
	Kind         EventKind
	Reference    string
	TransferCode string
	AmountMinor  int64
	// AmountReported is false when the payload carried no amount field.
	AmountReported bool
}

func ParseEvent(payload []byte) (*Event, error) {
	var body struct {
		Event string `json:"event"`
		Data  struct {
			Reference    string `json:"reference"`
			TransferCode string `json:"transfer_code"`
			Amount       *int64 `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.Invalid("malformed webhook payload: %v", err)
	}
	ev := &Event{
		Name:         body.Event,
		Kind:         ParseEventKind(body.Event),
		Reference:    body.Data.Reference,
		TransferCode: body.Data.TransferCode,
	}
	if body.Data.Amount != nil {
		ev.AmountMinor, ev.AmountReported = *body.Data.Amount, true
	}
	return ev, nil
}

// Ingestor authenticates, records and applies processor notifications.
type Ingestor struct {
	store  store.Store
	ledger *Ledger
	secret []byte
	log    *zap.Logger
}

func NewIngestor(s store.Store, l *Ledger, secret string, log *zap.Logger) *Ingestor {
	return &Ingestor{store: s, ledger: l, secret: []byte(secret), log: log.Named("webhook")}
}

// Verify checks the hex HMAC-SHA512 signature of payload.
func (i *Ingestor) Verify(payload []byte, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return domain.ErrAuthentication
	}
	mac := hmac.New(sha512.New, i.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return domain.ErrAuthentication
	}
	return nil
}

// Receive authenticates the raw payload and durably records it. fresh is false
// for a redelivery whose receipt already exists.
func (i *Ingestor) Receive(ctx context.Context, payload []byte, signature string) (e *domain.WebhookEvent, fresh bool, err error) {
	if err := i.Verify(payload, signature); err != nil {
		i.log.Warn("rejected webhook with bad signature")
		webhookEvents.WithLabelValues("unverified", "rejected").Inc()
		return nil, false, err
	}
	ev, err := ParseEvent(payload)
	if err != nil {
		webhookEvents.WithLabelValues("malformed", "rejected").Inc()
		return nil, false, err
	}

	sum := sha256.Sum256(payload)
	e = &domain.WebhookEvent{
		PayloadHash: hex.EncodeToString(sum[:]),
		Kind:        ev.Name,
		Reference:   ev.Reference,
		Payload:     payload,
	}
	fresh, err = i.store.RecordWebhookEvent(ctx, e)
	if err != nil {
		return nil, false, fmt.Errorf("record webhook: %w", err)
	}
	result := "recorded"
	if !fresh {
		result = "redelivered"
	}
	webhookEvents.WithLabelValues(ev.Kind.String(), result).Inc()
	i.log.Info("webhook received",
		zap.Int64("event_id", e.ID),
		zap.String("event", ev.Name),
		zap.String("reference", ev.Reference),
		zap.Bool("fresh", fresh),
	)
	return e, fresh, nil
}

// Apply feeds one event into the ledger.
func (i *Ingestor) Apply(ctx context.Context, ev *Event) error {
	var o Outcome
	switch ev.Kind {
	case EventChargeSucceeded:
		o = Outcome{Category: domain.Funding, Succeeded: true}
	case EventPayoutSucceeded:
		o = Outcome{Category: domain.Withdrawal, Succeeded: true}
	case EventPayoutFailed, EventPayoutReversed:
		o = Outcome{Category: domain.Withdrawal, Reason: ev.Name}
	case EventUnknown:
		i.log.Debug("ignoring webhook event", zap.String("event", ev.Name))
		return nil
	}
	o.Reference, o.Channel = ev.Reference, ChannelWebhook
	o.AmountMinor, o.AmountReported = ev.AmountMinor, ev.AmountReported
	if o.Reference == "" {
		o.Reference = ev.TransferCode
	}
	_, err := i.ledger.Settle(ctx, o)
	return err
}

// Process applies a recorded event and marks the receipt. Events that cannot
// be applied yet stay unprocessed for the sweep; an amount mismatch has
// already moved the row to FAILED and counts as processed.
func (i *Ingestor) Process(ctx context.Context, e *domain.WebhookEvent) error {
	if e.ProcessedAt != nil {
		return nil
	}
	ev, err := ParseEvent(e.Payload)
	if err == nil {
		err = i.Apply(ctx, ev)
	}

	log := i.log.With(zap.Int64("event_id", e.ID), zap.String("event", e.Kind), zap.String("reference", e.Reference))
	var markErr error
	switch {
	case err == nil:
		markErr = i.store.MarkWebhookEvent(ctx, e.ID, nil)
	case errors.Is(err, domain.ErrAmountMismatch), errors.Is(err, domain.ErrValidation):
		log.Error("webhook applied with error", zap.Error(err))
		markErr = i.store.MarkWebhookEvent(ctx, e.ID, nil)
	case errors.Is(err, domain.ErrNotFound) && e.Attempts+1 >= maxWebhookAttempts:
		log.Error("giving up on webhook for unknown reference", zap.Int("attempts", e.Attempts+1))
		markErr = i.store.MarkWebhookEvent(ctx, e.ID, nil)
	default:
		log.Warn("webhook processing failed, will retry", zap.Error(err))
		markErr = i.store.MarkWebhookEvent(ctx, e.ID, err)
	}
	if markErr != nil {
		log.Error("failed to mark webhook event", zap.Error(markErr))
	}
	webhookEvents.WithLabelValues(ParseEventKind(e.Kind).String(), "processed_"+outcome(err)).Inc()
	return err
}
