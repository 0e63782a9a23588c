package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/veilroom/relay/internal/chunk"
	"github.com/veilroom/relay/internal/events"
	"github.com/veilroom/relay/internal/metrics"
	"github.com/veilroom/relay/internal/protocol"
	"github.com/veilroom/relay/internal/ratelimit"
	"github.com/veilroom/relay/internal/report"
	"github.com/veilroom/relay/internal/room"
	"github.com/veilroom/relay/internal/ws"
)

// reportFlagThreshold is how many reports within an hour mark a room as
// worth operator attention.
const reportFlagThreshold = 3

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	grace := room.DefaultGracePeriod
	if v := os.Getenv("GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			grace = d
		}
	}

	chunkIdle := chunk.DefaultIdleTimeout
	if v := os.Getenv("CHUNK_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			chunkIdle = d
		}
	}

	// --- Redis (optional): rate limiting only, never relay state ---
	var limiter *ratelimit.Limiter
	var rdb *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- NATS (optional): operational lifecycle events ---
	var publisher *events.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := events.DefaultConfig()
		natsConfig.URL = natsURL
		var err error
		publisher, err = events.NewPublisher(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// --- Postgres (optional): abuse report storage ---
	var reportStore *report.Store
	var db *sql.DB
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		if err := report.Migrate(databaseURL); err != nil {
			log.Fatalf("failed to migrate report schema: %v", err)
		}
		var err error
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		cancel()
		reportStore = report.NewStore(db)
	}

	registry := room.NewRegistry(grace)
	if publisher != nil {
		registry.SetEventSink(publisher)
	}

	assembler := chunk.NewAssembler()
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	chunk.StartSweep(sweepCtx, assembler, chunkIdle)

	log.Printf("Veilroom relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  grace_period:    %s", grace)
	log.Printf("  chunk_idle:      %s", chunkIdle)
	log.Printf("  rate_limiting:   %v", limiter != nil)
	log.Printf("  event_publish:   %v", publisher != nil)
	log.Printf("  report_store:    %v", reportStore != nil)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// send builds a server message and writes it to one connection. Build
	// errors are programming errors and only logged; send errors mean the
	// target dropped, which the relay treats as best-effort.
	send := func(connID, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("failed to build %s: %v", msgType, err)
			return
		}
		if err := server.SendMessage(connID, data); err != nil {
			log.Printf("send %s to conn=%s failed: %v", msgType, connID, err)
		}
	}

	// broadcast fans a prebuilt message out to a set of connections.
	broadcast := func(connIDs []string, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("failed to build %s: %v", msgType, err)
			return
		}
		for _, cid := range connIDs {
			if err := server.SendMessage(cid, data); err != nil {
				log.Printf("broadcast %s to conn=%s failed: %v", msgType, cid, err)
			}
		}
	}

	// allow applies a rate limit rule when Redis is configured. Without
	// Redis the relay runs unthrottled.
	allow := func(conn *ws.Connection, rule ratelimit.Rule) bool {
		if limiter == nil {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, conn.ID, rule)
		if !ok {
			send(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "rate_limited", Message: "too many requests",
			})
		}
		return ok
	}

	existingUsers := func(members []room.MemberInfo) []protocol.ExistingUser {
		out := make([]protocol.ExistingUser, 0, len(members))
		for _, m := range members {
			out = append(out, protocol.ExistingUser{
				UserID:    m.UserID,
				Nickname:  m.Nickname,
				PublicKey: m.PublicKey,
			})
		}
		return out
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// createRoom / createGroupRoom — allocate a room with the caller as
	// sole member and creator
	// -----------------------------------------------------------------------
	createHandler := func(kind room.Kind) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			var nickname string
			switch m := msg.(type) {
			case protocol.CreateRoomMsg:
				nickname = m.Nickname
			case protocol.CreateGroupRoomMsg:
				nickname = m.Nickname
			default:
				return
			}
			if !allow(conn, ratelimit.RuleCreate) {
				return
			}

			res := registry.Create(conn.ID, nickname, kind)
			send(conn.ID, protocol.TypeRoomCreated, protocol.RoomCreatedMsg{
				RoomCode:     res.RoomCode,
				Nickname:     nickname,
				RoomType:     string(res.Kind),
				UserID:       res.UserID,
				SessionToken: res.SessionToken,
			})
		}
	}
	dispatcher.Register(protocol.TypeCreateRoom, createHandler(room.KindTwoUser))
	dispatcher.Register(protocol.TypeCreateGroupRoom, createHandler(room.KindGroup))

	// -----------------------------------------------------------------------
	// joinRoom — validate, append session, snapshot existing members
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}

		res, err := registry.Join(conn.ID, m.RoomCode, m.Nickname, m.PublicKey)
		if err != nil {
			switch err {
			case room.ErrRoomNotFound:
				send(conn.ID, protocol.TypeInvalidRoom, struct{}{})
			case room.ErrInvalidNickname:
				send(conn.ID, protocol.TypeInvalidNickname, struct{}{})
			case room.ErrNicknameTaken:
				send(conn.ID, protocol.TypeNicknameTaken, struct{}{})
			case room.ErrRoomFull:
				send(conn.ID, protocol.TypeRoomFull, struct{}{})
			default:
				log.Printf("joinRoom: %v", err)
			}
			return
		}

		code := room.NormalizeCode(m.RoomCode)
		send(conn.ID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
			RoomCode:      code,
			Nickname:      m.Nickname,
			RoomType:      string(res.Kind),
			ExistingUsers: existingUsers(res.Existing),
			UserID:        res.UserID,
			SessionToken:  res.SessionToken,
		})

		// userJoined goes to the whole room, including the joiner; newUser
		// (with the public key) only to the existing members.
		broadcast(append(res.Peers, conn.ID), protocol.TypeUserJoined, protocol.UserJoinedMsg{
			UserID:   res.UserID,
			Nickname: m.Nickname,
		})
		broadcast(res.Peers, protocol.TypeNewUser, protocol.NewUserMsg{
			UserID:    res.UserID,
			Nickname:  m.Nickname,
			PublicKey: m.PublicKey,
			RoomType:  string(res.Kind),
		})
	})

	// -----------------------------------------------------------------------
	// rejoinRoom — reclaim a disconnected session within its grace period
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRejoinRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.RejoinRoomMsg)
		if !ok {
			return
		}

		res, err := registry.Rejoin(conn.ID, m.RoomCode, m.SessionToken, m.PublicKey)
		if err != nil {
			send(conn.ID, protocol.TypeInvalidRejoin, struct{}{})
			return
		}

		code := room.NormalizeCode(m.RoomCode)
		send(conn.ID, protocol.TypeRoomRejoined, protocol.RoomRejoinedMsg{
			RoomCode:      code,
			Nickname:      res.Nickname,
			RoomType:      string(res.Kind),
			ExistingUsers: existingUsers(res.Existing),
		})

		broadcast(res.Peers, protocol.TypeUserReconnected, protocol.UserReconnectedMsg{
			UserID:    res.UserID,
			Nickname:  res.Nickname,
			PublicKey: res.PublicKey,
		})

		// The creator missed the live newUser moment during the disconnect
		// window; ask it to reshare the symmetric key for this member.
		if res.CreatorConnID != "" {
			send(res.CreatorConnID, protocol.TypeReshareSymmetricKey, protocol.ReshareSymmetricKeyMsg{
				UserID:    res.UserID,
				PublicKey: res.PublicKey,
				RoomCode:  code,
			})
			metrics.KeySharesRelayed.WithLabelValues("reshare").Inc()
		}
	})

	// -----------------------------------------------------------------------
	// sharePublicKey — receiver-initiated pairwise key exchange
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSharePublicKey, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SharePublicKeyMsg)
		if !ok {
			return
		}

		route, ok := registry.ResolveKeyShare(conn.ID, m.RoomCode, m.UserID)
		if !ok {
			// Target departed or disconnected; best-effort relay drops it.
			return
		}

		send(route.TargetConnID, protocol.TypeReceivedPublicKey, protocol.ReceivedPublicKeyMsg{
			UserID:    route.SenderUserID,
			PublicKey: m.PublicKey,
			RoomType:  string(route.Kind),
		})
		metrics.KeySharesRelayed.WithLabelValues("public").Inc()
	})

	// -----------------------------------------------------------------------
	// shareEncryptedSymmetricKey — creator delivers the group key to one
	// member, addressed purely by userId
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeShareEncryptedSymmetricKey, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ShareEncryptedSymmetricKeyMsg)
		if !ok {
			return
		}

		connID, ok := registry.LiveConn(m.RoomCode, m.UserID)
		if !ok {
			return
		}

		send(connID, protocol.TypeReceiveSymmetricKey, protocol.ReceiveSymmetricKeyMsg{
			EncryptedSymmetricKey: m.EncryptedSymmetricKey,
		})
		metrics.KeySharesRelayed.WithLabelValues("symmetric").Inc()
	})

	// -----------------------------------------------------------------------
	// sendEncryptedMessage — opaque payload relay to every other live member
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendEncryptedMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendEncryptedMessageMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleMessage) {
			return
		}

		info, ok := registry.ResolveSender(conn.ID, m.RoomCode)
		if !ok {
			// Stale send after leave; drop silently.
			return
		}

		broadcast(info.Peers, protocol.TypeNewEncryptedMessage, protocol.NewEncryptedMessageMsg{
			SenderUserID:     info.UserID,
			EncryptedMessage: m.EncryptedMessage,
			RoomType:         m.RoomType,
		})
		metrics.MessagesRelayed.WithLabelValues("message").Inc()
	})

	// -----------------------------------------------------------------------
	// sendEncryptedImage — whole encrypted image in one frame
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendEncryptedImage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendEncryptedImageMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleMessage) {
			return
		}

		info, ok := registry.ResolveSender(conn.ID, m.RoomCode)
		if !ok {
			return
		}

		broadcast(info.Peers, protocol.TypeNewEncryptedImage, protocol.NewEncryptedImageMsg{
			SenderUserID:   info.UserID,
			EncryptedImage: m.EncryptedImage,
			RoomType:       m.RoomType,
		})
		metrics.MessagesRelayed.WithLabelValues("image").Inc()
	})

	// -----------------------------------------------------------------------
	// sendEncryptedImageChunk — accumulate fragments, relay once complete
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendEncryptedImageChunk, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendEncryptedImageChunkMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleChunk) {
			return
		}

		code := room.NormalizeCode(m.RoomCode)
		img, done := assembler.Add(conn.ID, code, m.ChunkIndex, m.TotalChunks, m.Chunk)
		metrics.MessagesRelayed.WithLabelValues("image_chunk").Inc()
		if !done {
			return
		}

		info, ok := registry.ResolveSender(conn.ID, code)
		if !ok {
			return
		}

		payload, err := json.Marshal(img)
		if err != nil {
			log.Printf("sendEncryptedImageChunk: marshal reassembled image: %v", err)
			return
		}

		broadcast(info.Peers, protocol.TypeNewEncryptedImage, protocol.NewEncryptedImageMsg{
			SenderUserID:   info.UserID,
			EncryptedImage: payload,
			RoomType:       m.RoomType,
		})
		metrics.MessagesRelayed.WithLabelValues("image").Inc()
	})

	// -----------------------------------------------------------------------
	// leaveRoom — explicit departure
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveRoomMsg)
		if !ok {
			return
		}

		dep, ok := registry.Leave(conn.ID, m.RoomCode)
		if !ok {
			return
		}
		assembler.DropConn(conn.ID)

		broadcast(dep.Recipients, protocol.TypeUserLeft, protocol.UserLeftMsg{
			UserID:   dep.UserID,
			Nickname: dep.Nickname,
		})
		if dep.NewCreatorConnID != "" {
			send(dep.NewCreatorConnID, protocol.TypeNewCreator, protocol.NewCreatorMsg{
				RoomCode: dep.RoomCode,
			})
		}
	})

	// -----------------------------------------------------------------------
	// report — persist an abuse report (membership facts only, no content)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReport, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ReportMsg)
		if !ok {
			return
		}
		if reportStore == nil {
			log.Printf("report from conn=%s dropped (no report store configured)", conn.ID)
			return
		}

		info, ok := registry.ResolveSender(conn.ID, m.RoomCode)
		if !ok {
			return
		}

		code := room.NormalizeCode(m.RoomCode)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := reportStore.Create(ctx, &report.Report{
			ReporterUserID: info.UserID,
			RoomCode:       code,
			RoomType:       string(info.Kind),
			Reason:         m.Reason,
		})
		if err != nil {
			log.Printf("report: %v", err)
			send(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_report", Message: "report rejected",
			})
			return
		}

		// Flag rooms drawing repeated reports so operators can prioritize.
		if count, err := reportStore.CountRecent(ctx, code, time.Hour); err == nil && count >= reportFlagThreshold {
			log.Printf("report: room %s has %d reports in the last hour", code, count)
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Transport loss starts the session's grace period and abandons any
	// in-flight chunked uploads from that connection.
	server.SetOnDisconnect(func(connID string) {
		assembler.DropConn(connID)
		registry.Disconnect(connID)
	})

	// Grace periods that elapse without a rejoin broadcast the departure.
	registry.SetOnDeparture(func(dep room.Departure) {
		broadcast(dep.Recipients, protocol.TypeUserLeft, protocol.UserLeftMsg{
			UserID:   dep.UserID,
			Nickname: dep.Nickname,
		})
		if dep.NewCreatorConnID != "" {
			send(dep.NewCreatorConnID, protocol.TypeNewCreator, protocol.NewCreatorMsg{
				RoomCode: dep.RoomCode,
			})
		}
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stopSweep()
		if publisher != nil {
			publisher.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
