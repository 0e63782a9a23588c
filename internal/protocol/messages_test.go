package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid joinRoom message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinRoom(t *testing.T) {
	input := []byte(`{"type":"joinRoom","roomCode":"AB12CD","nickname":"alice","publicKey":{"kty":"RSA","n":"abc"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Fatalf("expected type %q, got %q", TypeJoinRoom, msgType)
	}

	jm, ok := msg.(JoinRoomMsg)
	if !ok {
		t.Fatalf("expected JoinRoomMsg, got %T", msg)
	}
	if jm.RoomCode != "AB12CD" {
		t.Errorf("expected roomCode %q, got %q", "AB12CD", jm.RoomCode)
	}
	if jm.Nickname != "alice" {
		t.Errorf("expected nickname %q, got %q", "alice", jm.Nickname)
	}
	if len(jm.PublicKey) == 0 {
		t.Error("expected publicKey to be captured")
	}
}

// ---------------------------------------------------------------------------
// Test: Encrypted payloads stay byte-for-byte opaque through parsing
// ---------------------------------------------------------------------------

func TestParseClientMessage_OpaquePayload(t *testing.T) {
	payload := `{"ciphertext":"deadbeef","iv":"0102","nested":{"a":[1,2,3]}}`
	input := []byte(`{"type":"sendEncryptedMessage","roomCode":"AB12CD","encryptedMessage":` + payload + `,"roomType":"group"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sm, ok := msg.(SendEncryptedMessageMsg)
	if !ok {
		t.Fatalf("expected SendEncryptedMessageMsg, got %T", msg)
	}
	if string(sm.EncryptedMessage) != payload {
		t.Errorf("payload altered in transit:\nwant %s\ngot  %s", payload, sm.EncryptedMessage)
	}
	if sm.RoomType != "group" {
		t.Errorf("expected roomType %q, got %q", "group", sm.RoomType)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an image chunk message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ImageChunk(t *testing.T) {
	input := []byte(`{"type":"sendEncryptedImageChunk","roomCode":"AB12CD","chunk":{"encrypted":"ZnJhZw==","iv":"aXY=","encryptedKey":"a2V5"},"chunkIndex":2,"totalChunks":5,"roomType":"two-user"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cm, ok := msg.(SendEncryptedImageChunkMsg)
	if !ok {
		t.Fatalf("expected SendEncryptedImageChunkMsg, got %T", msg)
	}
	if cm.ChunkIndex != 2 {
		t.Errorf("expected chunkIndex 2, got %d", cm.ChunkIndex)
	}
	if cm.TotalChunks != 5 {
		t.Errorf("expected totalChunks 5, got %d", cm.TotalChunks)
	}
	if cm.Chunk.Encrypted != "ZnJhZw==" {
		t.Errorf("expected chunk fragment %q, got %q", "ZnJhZw==", cm.Chunk.Encrypted)
	}
	if cm.Chunk.IV != "aXY=" || cm.Chunk.EncryptedKey != "a2V5" {
		t.Errorf("chunk metadata mismatch: iv=%q encryptedKey=%q", cm.Chunk.IV, cm.Chunk.EncryptedKey)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a roomJoined server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_RoomJoined(t *testing.T) {
	payload := RoomJoinedMsg{
		RoomCode: "XY34ZW",
		Nickname: "bob",
		RoomType: "group",
		ExistingUsers: []ExistingUser{
			{UserID: "uuid-1", Nickname: "alice", PublicKey: json.RawMessage(`{"kty":"RSA"}`)},
		},
		UserID:       "uuid-2",
		SessionToken: "token-2",
	}

	data, err := NewServerMessage(TypeRoomJoined, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeRoomJoined {
		t.Errorf("expected type %q, got %v", TypeRoomJoined, result["type"])
	}
	if result["roomCode"] != "XY34ZW" {
		t.Errorf("expected roomCode %q, got %v", "XY34ZW", result["roomCode"])
	}
	if result["sessionToken"] != "token-2" {
		t.Errorf("expected sessionToken %q, got %v", "token-2", result["sessionToken"])
	}

	users, ok := result["existingUsers"].([]interface{})
	if !ok {
		t.Fatalf("expected existingUsers to be an array, got %T", result["existingUsers"])
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 existing user, got %d", len(users))
	}
	user, ok := users[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected existing user object, got %T", users[0])
	}
	if user["nickname"] != "alice" {
		t.Errorf("expected existing user nickname %q, got %v", "alice", user["nickname"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected as client input
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"roomCreated","roomCode":"AB12CD"}`)

	_, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"createRoom", `{"type":"createRoom","nickname":"alice"}`, TypeCreateRoom},
		{"createGroupRoom", `{"type":"createGroupRoom","nickname":"alice"}`, TypeCreateGroupRoom},
		{"joinRoom", `{"type":"joinRoom","roomCode":"AB12CD","nickname":"bob"}`, TypeJoinRoom},
		{"rejoinRoom", `{"type":"rejoinRoom","roomCode":"AB12CD","sessionToken":"tok"}`, TypeRejoinRoom},
		{"sharePublicKey", `{"type":"sharePublicKey","userId":"u1","publicKey":{},"roomCode":"AB12CD"}`, TypeSharePublicKey},
		{"shareEncryptedSymmetricKey", `{"type":"shareEncryptedSymmetricKey","userId":"u1","encryptedSymmetricKey":"abc","roomCode":"AB12CD"}`, TypeShareEncryptedSymmetricKey},
		{"sendEncryptedMessage", `{"type":"sendEncryptedMessage","roomCode":"AB12CD","encryptedMessage":{},"roomType":"group"}`, TypeSendEncryptedMessage},
		{"sendEncryptedImage", `{"type":"sendEncryptedImage","roomCode":"AB12CD","encryptedImage":{},"roomType":"group"}`, TypeSendEncryptedImage},
		{"sendEncryptedImageChunk", `{"type":"sendEncryptedImageChunk","roomCode":"AB12CD","chunk":{"encrypted":"a","iv":"b","encryptedKey":"c"},"chunkIndex":0,"totalChunks":1,"roomType":"group"}`, TypeSendEncryptedImageChunk},
		{"leaveRoom", `{"type":"leaveRoom","roomCode":"AB12CD","nickname":"bob"}`, TypeLeaveRoom},
		{"report", `{"type":"report","roomCode":"AB12CD","reason":"spam"}`, TypeReport},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
