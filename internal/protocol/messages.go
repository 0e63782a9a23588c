// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
// Encrypted payloads and exported key material are carried as opaque JSON and
// are never inspected by the server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateRoom                 = "createRoom"
	TypeCreateGroupRoom            = "createGroupRoom"
	TypeJoinRoom                   = "joinRoom"
	TypeRejoinRoom                 = "rejoinRoom"
	TypeSharePublicKey             = "sharePublicKey"
	TypeShareEncryptedSymmetricKey = "shareEncryptedSymmetricKey"
	TypeSendEncryptedMessage       = "sendEncryptedMessage"
	TypeSendEncryptedImage         = "sendEncryptedImage"
	TypeSendEncryptedImageChunk    = "sendEncryptedImageChunk"
	TypeLeaveRoom                  = "leaveRoom"
	TypeReport                     = "report"
	TypePing                       = "ping"
)

// Server -> Client message types.
const (
	TypeRoomCreated         = "roomCreated"
	TypeRoomJoined          = "roomJoined"
	TypeRoomRejoined        = "roomRejoined"
	TypeInvalidRoom         = "invalidRoom"
	TypeInvalidNickname     = "invalidNickname"
	TypeRoomFull            = "roomFull"
	TypeNicknameTaken       = "nicknameTaken"
	TypeInvalidRejoin       = "invalidRejoin"
	TypeNewUser             = "newUser"
	TypeUserJoined          = "userJoined"
	TypeUserReconnected     = "userReconnected"
	TypeReceivedPublicKey   = "receivedPublicKey"
	TypeReceiveSymmetricKey = "receiveSymmetricKey"
	TypeReshareSymmetricKey = "reshareSymmetricKey"
	TypeNewCreator          = "newCreator"
	TypeUserLeft            = "userLeft"
	TypeNewEncryptedMessage = "newEncryptedMessage"
	TypeNewEncryptedImage   = "newEncryptedImage"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// ExistingUser is the identity snapshot of a room member returned to a
// joining or rejoining client. PublicKey is omitted when the member has not
// exchanged one yet.
type ExistingUser struct {
	UserID    string          `json:"userId"`
	Nickname  string          `json:"nickname"`
	PublicKey json.RawMessage `json:"publicKey,omitempty"`
}

// ImageChunk is one fragment of a chunked encrypted image upload. Encrypted
// holds the ciphertext fragment; IV and EncryptedKey carry the metadata
// receivers need to decrypt the reassembled whole. All fields are opaque to
// the relay.
type ImageChunk struct {
	Encrypted    string `json:"encrypted"`
	IV           string `json:"iv"`
	EncryptedKey string `json:"encryptedKey"`
}

// EncryptedImage is a complete encrypted image as broadcast to receivers,
// reassembled from chunks in index order.
type EncryptedImage struct {
	Encrypted    string `json:"encrypted"`
	IV           string `json:"iv"`
	EncryptedKey string `json:"encryptedKey"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CreateRoomMsg is sent by the client to create a two-user room.
type CreateRoomMsg struct {
	Type     string `json:"type"`
	Nickname string `json:"nickname"`
}

// CreateGroupRoomMsg is sent by the client to create a group room.
type CreateGroupRoomMsg struct {
	Type     string `json:"type"`
	Nickname string `json:"nickname"`
}

// JoinRoomMsg is sent by the client to join an existing room by code.
type JoinRoomMsg struct {
	Type      string          `json:"type"`
	RoomCode  string          `json:"roomCode"`
	Nickname  string          `json:"nickname"`
	PublicKey json.RawMessage `json:"publicKey,omitempty"`
}

// RejoinRoomMsg is sent by the client to reclaim a disconnected session
// within the grace period using its session token.
type RejoinRoomMsg struct {
	Type         string          `json:"type"`
	RoomCode     string          `json:"roomCode"`
	SessionToken string          `json:"sessionToken"`
	PublicKey    json.RawMessage `json:"publicKey,omitempty"`
}

// SharePublicKeyMsg forwards the sender's exported public key to a specific
// peer identified by userId.
type SharePublicKeyMsg struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	PublicKey json.RawMessage `json:"publicKey"`
	RoomCode  string          `json:"roomCode"`
}

// ShareEncryptedSymmetricKeyMsg is sent by a group room's creator to deliver
// an RSA-encrypted copy of the room's symmetric key to one member.
type ShareEncryptedSymmetricKeyMsg struct {
	Type                  string          `json:"type"`
	UserID                string          `json:"userId"`
	EncryptedSymmetricKey json.RawMessage `json:"encryptedSymmetricKey"`
	RoomCode              string          `json:"roomCode"`
}

// SendEncryptedMessageMsg carries an opaque encrypted chat payload to be
// relayed to the other members of the room.
type SendEncryptedMessageMsg struct {
	Type             string          `json:"type"`
	RoomCode         string          `json:"roomCode"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"`
	RoomType         string          `json:"roomType"`
}

// SendEncryptedImageMsg carries a complete encrypted image in a single frame.
type SendEncryptedImageMsg struct {
	Type           string          `json:"type"`
	RoomCode       string          `json:"roomCode"`
	EncryptedImage json.RawMessage `json:"encryptedImage"`
	RoomType       string          `json:"roomType"`
}

// SendEncryptedImageChunkMsg carries one fragment of a chunked encrypted
// image upload.
type SendEncryptedImageChunkMsg struct {
	Type        string     `json:"type"`
	RoomCode    string     `json:"roomCode"`
	Chunk       ImageChunk `json:"chunk"`
	ChunkIndex  int        `json:"chunkIndex"`
	TotalChunks int        `json:"totalChunks"`
	RoomType    string     `json:"roomType"`
}

// LeaveRoomMsg is sent by the client to leave a room explicitly.
type LeaveRoomMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
}

// ReportMsg is sent by the client to report abuse in a room.
type ReportMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RoomCreatedMsg is sent to the creator after a room has been allocated.
type RoomCreatedMsg struct {
	Type         string `json:"type"`
	RoomCode     string `json:"roomCode"`
	Nickname     string `json:"nickname"`
	RoomType     string `json:"roomType"`
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

// RoomJoinedMsg is sent to a joining client with its new identity and a
// snapshot of the existing members.
type RoomJoinedMsg struct {
	Type          string         `json:"type"`
	RoomCode      string         `json:"roomCode"`
	Nickname      string         `json:"nickname"`
	RoomType      string         `json:"roomType"`
	ExistingUsers []ExistingUser `json:"existingUsers"`
	UserID        string         `json:"userId"`
	SessionToken  string         `json:"sessionToken"`
}

// RoomRejoinedMsg is sent to a rejoining client with a fresh snapshot of the
// other members so it can re-synchronize peer state.
type RoomRejoinedMsg struct {
	Type          string         `json:"type"`
	RoomCode      string         `json:"roomCode"`
	Nickname      string         `json:"nickname"`
	RoomType      string         `json:"roomType"`
	ExistingUsers []ExistingUser `json:"existingUsers"`
}

// NewUserMsg notifies existing members that a new user joined, carrying the
// joiner's public key so key distribution can start.
type NewUserMsg struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Nickname  string          `json:"nickname"`
	PublicKey json.RawMessage `json:"publicKey,omitempty"`
	RoomType  string          `json:"roomType"`
}

// UserJoinedMsg announces a join to the whole room, including the joiner.
type UserJoinedMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// UserReconnectedMsg announces a successful rejoin to the rest of the room,
// carrying the rejoiner's fresh public key.
type UserReconnectedMsg struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Nickname  string          `json:"nickname"`
	PublicKey json.RawMessage `json:"publicKey,omitempty"`
}

// ReceivedPublicKeyMsg delivers a peer's public key to the addressed user.
type ReceivedPublicKeyMsg struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	PublicKey json.RawMessage `json:"publicKey"`
	RoomType  string          `json:"roomType"`
}

// ReceiveSymmetricKeyMsg delivers the encrypted group symmetric key to the
// addressed user.
type ReceiveSymmetricKeyMsg struct {
	Type                  string          `json:"type"`
	EncryptedSymmetricKey json.RawMessage `json:"encryptedSymmetricKey"`
}

// ReshareSymmetricKeyMsg asks the group room's creator to re-send the
// symmetric key to a user who reconnected during a disconnect window.
type ReshareSymmetricKeyMsg struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	PublicKey json.RawMessage `json:"publicKey,omitempty"`
	RoomCode  string          `json:"roomCode"`
}

// NewCreatorMsg notifies a member that it is now the room's creator.
type NewCreatorMsg struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
}

// UserLeftMsg announces a member's departure to the remaining members.
type UserLeftMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// NewEncryptedMessageMsg relays an opaque encrypted chat payload.
type NewEncryptedMessageMsg struct {
	Type             string          `json:"type"`
	SenderUserID     string          `json:"senderUserId"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"`
	RoomType         string          `json:"roomType"`
}

// NewEncryptedImageMsg relays an encrypted image, whole or reassembled.
type NewEncryptedImageMsg struct {
	Type           string          `json:"type"`
	SenderUserID   string          `json:"senderUserId"`
	EncryptedImage json.RawMessage `json:"encryptedImage"`
	RoomType       string          `json:"roomType"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateGroupRoom:
		var m CreateGroupRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRejoinRoom:
		var m RejoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSharePublicKey:
		var m SharePublicKeyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeShareEncryptedSymmetricKey:
		var m ShareEncryptedSymmetricKeyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendEncryptedMessage:
		var m SendEncryptedMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendEncryptedImage:
		var m SendEncryptedImageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendEncryptedImageChunk:
		var m SendEncryptedImageChunkMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
