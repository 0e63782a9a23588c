package room

// Operational lifecycle event types, published to the configured sink for
// external dashboards and audit trails. These never carry payloads or key
// material, only membership facts the relay already knows.
const (
	EventRoomCreated     = "room.created"
	EventRoomDestroyed   = "room.destroyed"
	EventUserJoined      = "user.joined"
	EventUserLeft        = "user.left"
	EventUserReconnected = "user.reconnected"
	EventCreatorChanged  = "creator.changed"
)

// Event is one room-lifecycle fact.
type Event struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	RoomType Kind   `json:"roomType,omitempty"`
	At       int64  `json:"at"`
}

// EventSink receives lifecycle events. Implementations must not block: the
// registry calls Publish on its operation paths (outside the lock).
type EventSink interface {
	Publish(Event)
}
