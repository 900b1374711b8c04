package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single node) or NATS (clustered).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" mapstructure:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" mapstructure:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" mapstructure:"nats_url"`
	NATSToken         string `json:"-" mapstructure:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" mapstructure:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances subscribers across nodes when set.
	NATSQueueGroup string `json:"natsQueueGroup" mapstructure:"nats_queue_group"`
}

// Standard topic names. The core decides that something is notified; delivery
// and retry belong to whoever subscribes.
const (
	TopicScanRequested    = "kestrel.scan.requested"
	TopicScanCompleted    = "kestrel.scan.completed"
	TopicCaseCreated      = "kestrel.case.created"
	TopicCaseEscalated    = "kestrel.case.escalated"
	TopicCaseTransitioned = "kestrel.case.transitioned"
	TopicActionPending    = "kestrel.action.pending_approval"
)

// CaseNotification is the payload published for case topics.
type CaseNotification struct {
	CaseID    string    `json:"caseId"`
	TenantID  string    `json:"tenantId"`
	Type      string    `json:"caseType"`
	State     CaseState `json:"state"`
	Severity  Severity  `json:"severity"`
	Event     string    `json:"event,omitempty"`
	ActionID  string    `json:"actionId,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	ScopeID   string    `json:"scopeId,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
