package room

import "errors"

// Validation failures reported synchronously to the initiating connection.
// Each maps 1:1 to a named outbound event in the protocol package.
var (
	// ErrRoomNotFound — no live room with the given code.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrInvalidNickname — empty or whitespace-only nickname on join.
	ErrInvalidNickname = errors.New("room: invalid nickname")

	// ErrNicknameTaken — nickname already used within the room.
	ErrNicknameTaken = errors.New("room: nickname taken")

	// ErrRoomFull — two-user room already has two members.
	ErrRoomFull = errors.New("room: full")

	// ErrInvalidRejoin — unknown room, unknown or mismatched session token,
	// or the token belongs to a session that is not in its grace period.
	ErrInvalidRejoin = errors.New("room: invalid rejoin")
)
