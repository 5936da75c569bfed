package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

const (
	KindWaitlistOffer     = "waitlist_offer"
	KindSkippedOccurrence = "series_occurrence_skipped"
)

// StreamNotifier appends events to a Redis stream. Delivery to patients
// and staff is done by whatever consumes the stream.
type StreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamNotifier(client *redis.Client, stream string) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream, maxLen: 100000}
}

func (n *StreamNotifier) NotifyOffer(ctx context.Context, ev scheduling.OfferEvent) error {
	return n.publish(ctx, KindWaitlistOffer, ev.HospitalID.String(), ev)
}

func (n *StreamNotifier) NotifySkippedOccurrence(ctx context.Context, ev scheduling.SkippedOccurrenceEvent) error {
	return n.publish(ctx, KindSkippedOccurrence, ev.HospitalID.String(), ev)
}

func (n *StreamNotifier) publish(ctx context.Context, kind, hospitalID string, ev any) error {
	values, err := encode(kind, hospitalID, ev)
	if err != nil {
		return err
	}
	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", n.stream, err)
	}
	return nil
}

func encode(kind, hospitalID string, ev any) (map[string]any, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", kind, err)
	}
	return map[string]any{
		"kind":        kind,
		"hospital_id": hospitalID,
		"payload":     string(payload),
	}, nil
}

// LogNotifier writes events to the log. It backs local runs without Redis.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) NotifyOffer(_ context.Context, ev scheduling.OfferEvent) error {
	n.log.Info().
		Str("kind", KindWaitlistOffer).
		Str("hospital_id", ev.HospitalID.String()).
		Str("waitlist_entry_id", ev.WaitlistEntryID.String()).
		Str("slot_id", ev.SlotID.String()).
		Str("contact_method", string(ev.ContactMethod)).
		Time("expires_at", ev.ExpiresAt).
		Msg("waitlist offer")
	return nil
}

func (n *LogNotifier) NotifySkippedOccurrence(_ context.Context, ev scheduling.SkippedOccurrenceEvent) error {
	n.log.Warn().
		Str("kind", KindSkippedOccurrence).
		Str("hospital_id", ev.HospitalID.String()).
		Str("series_id", ev.SeriesID.String()).
		Str("occurrence_date", ev.OccurrenceDate.Format("2006-01-02")).
		Str("reason", ev.Reason).
		Msg("series occurrence skipped")
	return nil
}

// Multi fans an event out to several notifiers and returns the first error.
type Multi []scheduling.Notifier

func (m Multi) NotifyOffer(ctx context.Context, ev scheduling.OfferEvent) error {
	var first error
	for _, n := range m {
		if err := n.NotifyOffer(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) NotifySkippedOccurrence(ctx context.Context, ev scheduling.SkippedOccurrenceEvent) error {
	var first error
	for _, n := range m {
		if err := n.NotifySkippedOccurrence(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
