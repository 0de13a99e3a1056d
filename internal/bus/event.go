package bus

import "time"

// Event represents a change published to observers on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by pulse components. Subscribers filter by prefix,
// e.g. "im." for every inbound socket event.
const (
	KindLotteryEvent    = "lottery.event"
	KindLotteryDegraded = "lottery.degraded"

	KindMessagingDegraded = "messaging.degraded"
	KindMessagingGaveUp   = "messaging.gave_up"

	// Inbound typed socket events are published as "im." + event name.
	KindInboundPrefix = "im."

	KindMessageUpserted     = "store.message_upserted"
	KindMessageRecalled     = "store.message_recalled"
	KindConversationUpdated = "store.conversation_updated"
	KindPresenceChanged     = "store.presence_changed"
	KindNotification        = "store.notification"

	KindCallStateChanged = "call.state_changed"
	KindCallSignal       = "call.signal"
	KindCallSendFailed   = "call.send_failed"

	KindSendAck    = "outbox.send_ack"
	KindSendFailed = "outbox.send_failed"
)
