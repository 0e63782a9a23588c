// Package room implements the relay's core state: the room registry, per-user
// session identity with reconnect tolerance, grace-period timers, key
// distribution routing, and creator succession. The registry is the sole
// owner of room and session lifetime; all mutation happens through its
// exported operations under a single mutex.
package room

import (
	"encoding/json"
	"time"
)

// Kind is the room type, fixed at creation.
type Kind string

const (
	// KindTwoUser rooms hold at most two members and use pairwise
	// public-key exchange.
	KindTwoUser Kind = "two-user"

	// KindGroup rooms hold any number of members; the creator distributes
	// a shared symmetric key.
	KindGroup Kind = "group"
)

// Session is one logical participant. It survives transport reconnects: the
// live connection comes and goes, the identity stays until the session is
// removed by explicit leave or grace-period expiry.
type Session struct {
	UserID       string
	SessionToken string // secret; authenticates rejoin, never broadcast
	Nickname     string
	PublicKey    json.RawMessage
	ConnID       string // live connection ID, empty while disconnected

	pending  *time.Timer // scheduled removal, nil unless in grace period
	timerGen uint64      // bumped on every arm/cancel to invalidate stale fires
}

// Live reports whether the session currently has a live connection.
func (s *Session) Live() bool {
	return s.ConnID != ""
}

// Room is a named group of sessions exchanging relayed encrypted payloads.
// Members keeps join order; creator succession picks the earliest-joined
// survivor from it.
type Room struct {
	Code      string
	Kind      Kind
	CreatorID string
	Members   []*Session
}

// findByToken returns the member with the given session token, or nil.
func (r *Room) findByToken(token string) *Session {
	for _, s := range r.Members {
		if s.SessionToken == token {
			return s
		}
	}
	return nil
}

// findByConn returns the member with the given live connection ID, or nil.
func (r *Room) findByConn(connID string) *Session {
	if connID == "" {
		return nil
	}
	for _, s := range r.Members {
		if s.ConnID == connID {
			return s
		}
	}
	return nil
}

// findByUser returns the member with the given user ID, or nil.
func (r *Room) findByUser(userID string) *Session {
	for _, s := range r.Members {
		if s.UserID == userID {
			return s
		}
	}
	return nil
}

// hasNickname reports whether any member already uses the nickname.
func (r *Room) hasNickname(nickname string) bool {
	for _, s := range r.Members {
		if s.Nickname == nickname {
			return true
		}
	}
	return false
}

// MemberInfo is the identity snapshot of a member handed to joining and
// rejoining clients. PublicKey is nil when not yet exchanged.
type MemberInfo struct {
	UserID    string
	Nickname  string
	PublicKey json.RawMessage
}

// snapshotExcluding returns member snapshots for everyone except the given
// user, in join order.
func (r *Room) snapshotExcluding(userID string) []MemberInfo {
	out := make([]MemberInfo, 0, len(r.Members))
	for _, s := range r.Members {
		if s.UserID == userID {
			continue
		}
		out = append(out, MemberInfo{
			UserID:    s.UserID,
			Nickname:  s.Nickname,
			PublicKey: s.PublicKey,
		})
	}
	return out
}

// livePeers returns the connection IDs of all live members except the given
// user.
func (r *Room) livePeers(userID string) []string {
	out := make([]string, 0, len(r.Members))
	for _, s := range r.Members {
		if s.UserID == userID || !s.Live() {
			continue
		}
		out = append(out, s.ConnID)
	}
	return out
}
