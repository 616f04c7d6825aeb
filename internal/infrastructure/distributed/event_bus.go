package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tunelink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventCallInitiated EventType = "call.initiated"
	EventCallAnswered  EventType = "call.answered"
	EventCallRejected  EventType = "call.rejected"
	EventCallEnded     EventType = "call.ended"
	EventCallMissed    EventType = "call.missed"
	EventCallFailed    EventType = "call.failed"
	EventUserOnline    EventType = "user.online"
	EventUserOffline   EventType = "user.offline"
)

// Event is a cross-instance notification about call lifecycle changes.
// Other services (feed, notifications) subscribe to the same channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	CallID     domain.CallID   `json:"call_id,omitempty"`
	UserID     domain.UserID   `json:"user_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus provides event publishing and subscription for coordination
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channels   []string
}

// NewEventBus creates a new event bus
func NewEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channels:   []string{"tunelink:call-events"},
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := eb.channels[0]
	if err := eb.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"call_id", event.CallID,
		"user_id", event.UserID,
	)

	return nil
}

// Subscribe subscribes to events and calls handler for each event
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channels...)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// PublishCallLifecycle publishes the event matching a call's terminal or
// answered state. Statuses without a bus event are silently skipped.
func (eb *EventBus) PublishCallLifecycle(ctx context.Context, call *domain.Call) error {
	var eventType EventType
	switch call.Status {
	case domain.CallStatusRinging:
		eventType = EventCallInitiated
	case domain.CallStatusAnswered:
		eventType = EventCallAnswered
	case domain.CallStatusRejected:
		eventType = EventCallRejected
	case domain.CallStatusEnded:
		eventType = EventCallEnded
	case domain.CallStatusMissed:
		eventType = EventCallMissed
	case domain.CallStatusFailed:
		eventType = EventCallFailed
	default:
		return nil
	}

	payload, _ := json.Marshal(call)

	return eb.Publish(ctx, &Event{
		Type:    eventType,
		CallID:  call.ID,
		UserID:  call.CallerID,
		Payload: payload,
	})
}

// PublishUserPresence publishes a user's connect or disconnect.
func (eb *EventBus) PublishUserPresence(ctx context.Context, userID domain.UserID, online bool) error {
	eventType := EventUserOffline
	if online {
		eventType = EventUserOnline
	}

	return eb.Publish(ctx, &Event{
		Type:   eventType,
		UserID: userID,
	})
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
