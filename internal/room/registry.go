package room

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilroom/relay/internal/metrics"
)

// DefaultGracePeriod is how long a disconnected session may rejoin before it
// is finalized as departed.
const DefaultGracePeriod = 30 * time.Second

// memberRef ties one membership (room, session) to the connection owning it.
type memberRef struct {
	room *Room
	sess *Session
}

// Registry is the single shared mutable resource of the relay: the map of
// room codes to rooms, plus a live-connection index. A connection may hold
// memberships in several rooms at once, so the index keeps a ref per
// membership. One mutex guards all of it; grace timers re-acquire the lock
// and validate a per-session generation counter so a cancelled timer can
// never fire.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string][]*memberRef
	grace  time.Duration

	onDeparture func(Departure) // grace-expiry broadcasts, set once at startup
	sink        EventSink       // optional operational event fan-out
}

// NewRegistry creates an empty registry with the given grace period. A zero
// or negative grace falls back to DefaultGracePeriod.
func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		byConn: make(map[string][]*memberRef),
		grace:  grace,
	}
}

// SetOnDeparture registers the callback invoked when a grace period elapses
// without a rejoin. The callback runs outside the registry lock and is
// responsible for broadcasting userLeft / newCreator to the departure's
// recipients. Explicit leaves do not use it; Leave returns the Departure to
// its caller instead.
func (r *Registry) SetOnDeparture(fn func(Departure)) {
	r.onDeparture = fn
}

// SetEventSink registers an optional sink for operational lifecycle events.
func (r *Registry) SetEventSink(sink EventSink) {
	r.sink = sink
}

// ---------------------------------------------------------------------------
// Operation results
// ---------------------------------------------------------------------------

// CreateResult is the identity handed to a room creator.
type CreateResult struct {
	RoomCode     string
	UserID       string
	SessionToken string
	Kind         Kind
}

// JoinResult is the identity and member snapshot handed to a joiner, plus the
// connection IDs needed for the join broadcasts.
type JoinResult struct {
	UserID       string
	SessionToken string
	Kind         Kind
	Existing     []MemberInfo // snapshot of the other members, join order
	Peers        []string     // live conn IDs of the other members (newUser audience)
}

// RejoinResult is handed back on a successful session reclaim.
type RejoinResult struct {
	UserID   string
	Nickname string
	Kind     Kind
	Existing []MemberInfo
	Peers    []string // live conn IDs of the other members (userReconnected audience)

	// CreatorConnID is the creator's live connection when the rejoined user
	// is a non-creator member of a group room, so the caller can issue the
	// reshareSymmetricKey directive. Empty otherwise.
	CreatorConnID string
	PublicKey     json.RawMessage
}

// Departure describes a finalized removal: who left, who must hear about it,
// and whether creator succession happened.
type Departure struct {
	RoomCode string
	UserID   string
	Nickname string

	Recipients       []string // live conn IDs of the remaining members
	NewCreatorUserID string   // successor's userID when succession happened
	NewCreatorConnID string   // live conn of the successor, empty if none or offline
	RoomDeleted      bool
}

// SenderInfo resolves a payload sender within a room.
type SenderInfo struct {
	UserID string
	Kind   Kind
	Peers  []string // live conn IDs of every other member
}

// KeyShareRoute resolves a sharePublicKey relay.
type KeyShareRoute struct {
	SenderUserID string
	TargetConnID string
	Kind         Kind
}

// ---------------------------------------------------------------------------
// Room lifecycle
// ---------------------------------------------------------------------------

// Create allocates a fresh room with the caller as sole member and creator.
// Nicknames are not validated on create; the repository validates them on
// join only.
func (r *Registry) Create(connID, nickname string, kind Kind) CreateResult {
	sess := &Session{
		UserID:       uuid.New().String(),
		SessionToken: uuid.New().String(),
		Nickname:     nickname,
		ConnID:       connID,
	}

	r.mu.Lock()
	code := generateCode()
	for _, exists := r.rooms[code]; exists; _, exists = r.rooms[code] {
		code = generateCode()
	}
	rm := &Room{
		Code:      code,
		Kind:      kind,
		CreatorID: sess.UserID,
		Members:   []*Session{sess},
	}
	r.rooms[code] = rm
	r.byConn[connID] = append(r.byConn[connID], &memberRef{room: rm, sess: sess})
	r.mu.Unlock()

	metrics.RoomsActive.Inc()
	metrics.SessionsActive.Inc()
	log.Printf("room: created code=%s kind=%s creator=%s", code, kind, nickname)

	r.publish(Event{Type: EventRoomCreated, RoomCode: code, UserID: sess.UserID, Nickname: nickname, RoomType: kind})

	return CreateResult{
		RoomCode:     code,
		UserID:       sess.UserID,
		SessionToken: sess.SessionToken,
		Kind:         kind,
	}
}

// Join adds a new session to an existing room. Validation order: room exists,
// nickname non-empty, nickname unused in the room, capacity. Failed joins
// never mutate membership.
func (r *Registry) Join(connID, code, nickname string, publicKey json.RawMessage) (JoinResult, error) {
	code = NormalizeCode(code)

	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if strings.TrimSpace(nickname) == "" {
		r.mu.Unlock()
		return JoinResult{}, ErrInvalidNickname
	}
	if rm.hasNickname(nickname) {
		r.mu.Unlock()
		return JoinResult{}, ErrNicknameTaken
	}
	if rm.Kind == KindTwoUser && len(rm.Members) >= 2 {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}

	sess := &Session{
		UserID:       uuid.New().String(),
		SessionToken: uuid.New().String(),
		Nickname:     nickname,
		PublicKey:    publicKey,
		ConnID:       connID,
	}
	rm.Members = append(rm.Members, sess)
	r.byConn[connID] = append(r.byConn[connID], &memberRef{room: rm, sess: sess})

	result := JoinResult{
		UserID:       sess.UserID,
		SessionToken: sess.SessionToken,
		Kind:         rm.Kind,
		Existing:     rm.snapshotExcluding(sess.UserID),
		Peers:        rm.livePeers(sess.UserID),
	}
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	log.Printf("room: %s joined code=%s kind=%s members=%d", nickname, code, result.Kind, len(result.Existing)+1)

	r.publish(Event{Type: EventUserJoined, RoomCode: code, UserID: sess.UserID, Nickname: nickname, RoomType: result.Kind})

	return result, nil
}

// Leave removes the session owned by connID from the room unconditionally,
// cancelling any pending removal timer first so a later fire cannot
// double-remove. The returned Departure carries the broadcast audience; ok is
// false when the connection owns no session in that room.
func (r *Registry) Leave(connID, code string) (Departure, bool) {
	code = NormalizeCode(code)

	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return Departure{}, false
	}
	sess := rm.findByConn(connID)
	if sess == nil {
		r.mu.Unlock()
		return Departure{}, false
	}
	dep := r.removeLocked(rm, sess)
	r.mu.Unlock()

	log.Printf("room: %s left code=%s", dep.Nickname, code)
	r.publishDeparture(rm.Kind, dep)

	return dep, true
}

// removeLocked finalizes a session's departure: cancels its timer, drops it
// from the member list preserving join order, runs creator succession, and
// deletes the room when it empties. Caller holds the registry lock.
func (r *Registry) removeLocked(rm *Room, sess *Session) Departure {
	r.cancelTimerLocked(sess)

	if sess.Live() {
		r.dropRefLocked(sess.ConnID, sess)
	}
	for i, s := range rm.Members {
		if s == sess {
			rm.Members = append(rm.Members[:i], rm.Members[i+1:]...)
			break
		}
	}

	dep := Departure{
		RoomCode:   rm.Code,
		UserID:     sess.UserID,
		Nickname:   sess.Nickname,
		Recipients: rm.livePeers(sess.UserID),
	}

	metrics.SessionsActive.Dec()

	if len(rm.Members) == 0 {
		delete(r.rooms, rm.Code)
		dep.RoomDeleted = true
		metrics.RoomsActive.Dec()
		log.Printf("room: deleted code=%s (no users left)", rm.Code)
	} else if rm.Kind == KindGroup && rm.CreatorID == sess.UserID {
		successor := rm.Members[0] // earliest-joined survivor
		rm.CreatorID = successor.UserID
		dep.NewCreatorUserID = successor.UserID
		dep.NewCreatorConnID = successor.ConnID
		log.Printf("room: new creator for code=%s: %s", rm.Code, successor.Nickname)
	}

	return dep
}

// dropRefLocked removes the index entry tying connID to sess. Other
// memberships of the same connection are untouched. Caller holds the
// registry lock.
func (r *Registry) dropRefLocked(connID string, sess *Session) {
	refs := r.byConn[connID]
	for i, ref := range refs {
		if ref.sess == sess {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(r.byConn, connID)
	} else {
		r.byConn[connID] = refs
	}
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

// Disconnect handles a transport loss for connID. Every session the
// connection owned, across all rooms, has its live connection cleared and a
// grace timer armed; a session already in its grace period is left untouched
// (timers never reset or stack). Returns false when the connection owned no
// session.
func (r *Registry) Disconnect(connID string) bool {
	r.mu.Lock()
	refs, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byConn, connID)
	for _, ref := range refs {
		sess, rm := ref.sess, ref.room
		sess.ConnID = ""

		if sess.pending == nil {
			sess.timerGen++
			gen := sess.timerGen
			code, userID := rm.Code, sess.UserID
			sess.pending = time.AfterFunc(r.grace, func() {
				r.expire(code, userID, gen)
			})
			log.Printf("room: %s disconnected from code=%s, grace=%s", sess.Nickname, rm.Code, r.grace)
		}
	}
	r.mu.Unlock()
	return true
}

// expire is the grace-timer body. The generation check under the lock is the
// guard against the cancel/fire race: Stop alone cannot help once the
// callback is already blocked on the mutex.
func (r *Registry) expire(code, userID string, gen uint64) {
	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	sess := rm.findByUser(userID)
	if sess == nil || sess.pending == nil || sess.timerGen != gen {
		r.mu.Unlock()
		return
	}
	sess.pending = nil
	dep := r.removeLocked(rm, sess)
	r.mu.Unlock()

	metrics.GraceExpiries.Inc()
	log.Printf("room: grace period elapsed for %s in code=%s", dep.Nickname, code)
	r.publishDeparture(rm.Kind, dep)

	if r.onDeparture != nil {
		r.onDeparture(dep)
	}
}

// cancelTimerLocked stops a pending removal timer and invalidates its
// generation so an already-scheduled fire becomes a no-op.
func (r *Registry) cancelTimerLocked(sess *Session) {
	if sess.pending == nil {
		return
	}
	sess.timerGen++
	sess.pending.Stop()
	sess.pending = nil
}

// Rejoin reclaims a disconnected session by its token. Only a session with an
// armed removal timer is a legal target; anything else is ErrInvalidRejoin.
// On success the timer is cancelled exactly once, the new connection and
// public key installed, and the caller receives the member snapshot plus the
// broadcast audience.
func (r *Registry) Rejoin(connID, code, token string, publicKey json.RawMessage) (RejoinResult, error) {
	code = NormalizeCode(code)

	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return RejoinResult{}, ErrInvalidRejoin
	}
	sess := rm.findByToken(token)
	if sess == nil || sess.pending == nil {
		r.mu.Unlock()
		return RejoinResult{}, ErrInvalidRejoin
	}

	r.cancelTimerLocked(sess)
	sess.ConnID = connID
	sess.PublicKey = publicKey
	r.byConn[connID] = append(r.byConn[connID], &memberRef{room: rm, sess: sess})

	result := RejoinResult{
		UserID:    sess.UserID,
		Nickname:  sess.Nickname,
		Kind:      rm.Kind,
		Existing:  rm.snapshotExcluding(sess.UserID),
		Peers:     rm.livePeers(sess.UserID),
		PublicKey: publicKey,
	}
	if rm.Kind == KindGroup && sess.UserID != rm.CreatorID {
		if creator := rm.findByUser(rm.CreatorID); creator != nil && creator.Live() {
			result.CreatorConnID = creator.ConnID
		}
	}
	r.mu.Unlock()

	metrics.Reconnects.Inc()
	log.Printf("room: %s rejoined code=%s", result.Nickname, code)
	r.publish(Event{Type: EventUserReconnected, RoomCode: code, UserID: result.UserID, Nickname: result.Nickname, RoomType: result.Kind})

	return result, nil
}

// ---------------------------------------------------------------------------
// Relay resolution
// ---------------------------------------------------------------------------

// ResolveSender maps a live connection to its user identity within a room and
// returns the live connections of every other member. ok is false when the
// connection is not a current member (stale or racy sends are dropped by the
// caller).
func (r *Registry) ResolveSender(connID, code string) (SenderInfo, bool) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return SenderInfo{}, false
	}
	sess := rm.findByConn(connID)
	if sess == nil {
		return SenderInfo{}, false
	}
	return SenderInfo{
		UserID: sess.UserID,
		Kind:   rm.Kind,
		Peers:  rm.livePeers(sess.UserID),
	}, true
}

// ResolveKeyShare routes a sharePublicKey relay: the sender is identified by
// its live connection, the target by userID. ok is false when either side
// cannot be resolved to a live endpoint; the relay drops such shares
// silently.
func (r *Registry) ResolveKeyShare(connID, code, targetUserID string) (KeyShareRoute, bool) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return KeyShareRoute{}, false
	}
	sender := rm.findByConn(connID)
	target := rm.findByUser(targetUserID)
	if sender == nil || target == nil || !target.Live() {
		return KeyShareRoute{}, false
	}
	return KeyShareRoute{
		SenderUserID: sender.UserID,
		TargetConnID: target.ConnID,
		Kind:         rm.Kind,
	}, true
}

// LiveConn resolves a userID to its live connection within a room. Used for
// shareEncryptedSymmetricKey, which is addressed purely by userID.
func (r *Registry) LiveConn(code, userID string) (string, bool) {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return "", false
	}
	sess := rm.findByUser(userID)
	if sess == nil || !sess.Live() {
		return "", false
	}
	return sess.ConnID, true
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SessionCount returns the number of sessions across all rooms, live or in
// grace period.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rm := range r.rooms {
		n += len(rm.Members)
	}
	return n
}

// publish hands an event to the sink, if one is configured. Events are
// emitted after the registry lock is released.
func (r *Registry) publish(ev Event) {
	if r.sink == nil {
		return
	}
	ev.At = time.Now().Unix()
	r.sink.Publish(ev)
}

// publishDeparture emits the event trail for a finalized removal: the leave
// itself, then room destruction or creator succession when they followed.
func (r *Registry) publishDeparture(kind Kind, dep Departure) {
	r.publish(Event{Type: EventUserLeft, RoomCode: dep.RoomCode, UserID: dep.UserID, Nickname: dep.Nickname, RoomType: kind})
	if dep.RoomDeleted {
		r.publish(Event{Type: EventRoomDestroyed, RoomCode: dep.RoomCode, RoomType: kind})
	} else if dep.NewCreatorUserID != "" {
		r.publish(Event{Type: EventCreatorChanged, RoomCode: dep.RoomCode, UserID: dep.NewCreatorUserID, RoomType: kind})
	}
}
