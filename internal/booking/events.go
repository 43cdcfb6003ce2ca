package booking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	EventReservationHeld        = "RESERVATION_HELD"
	EventReservationConfirmed   = "RESERVATION_CONFIRMED"
	EventReservationCancelled   = "RESERVATION_CANCELLED"
	EventReservationCompleted   = "RESERVATION_COMPLETED"
	EventReservationRescheduled = "RESERVATION_RESCHEDULED"

	// ChannelReservationChanged carries every transition for downstream
	// dashboards and the notification dispatcher.
	ChannelReservationChanged = "reservations.changed"

	// RetryQueueKey buffers events whose publish failed; a dispatcher
	// drains it out of band.
	RetryQueueKey = "reservations.changed.retry"
)

// Event is the wire form of a reservation transition.
type Event struct {
	Type          string         `json:"type"`
	ReservationID uuid.UUID      `json:"reservation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	At            time.Time      `json:"at"`
}

// Notifier fans a transition out to external collaborators. Delivery is
// fire-and-forget: a failed notification never fails the booking
// operation that produced it.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// RedisNotifier publishes events on a Redis channel and parks failed
// publishes on a retry list.
type RedisNotifier struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisNotifier(client *redis.Client, log zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Error().Err(err).Str("event_type", ev.Type).Msg("marshal event")
		return
	}

	if err := n.client.Publish(ctx, ChannelReservationChanged, body).Err(); err != nil {
		n.log.Warn().Err(err).Str("event_type", ev.Type).Msg("publish failed, queueing event for retry")
		if err := n.client.RPush(ctx, RetryQueueKey, body).Err(); err != nil {
			n.log.Error().Err(err).Str("event_type", ev.Type).Msg("retry-queue push failed, event dropped")
		}
	}
}
