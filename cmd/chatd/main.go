package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/noorcity/messaging/internal/chat"
	"github.com/noorcity/messaging/internal/directory"
	"github.com/noorcity/messaging/internal/messaging"
	"github.com/noorcity/messaging/internal/metrics"
	"github.com/noorcity/messaging/internal/protocol"
	"github.com/noorcity/messaging/internal/ratelimit"
	"github.com/noorcity/messaging/internal/session"
	"github.com/noorcity/messaging/internal/smartreply"
	"github.com/noorcity/messaging/internal/store"
	"github.com/noorcity/messaging/internal/ws"
	"github.com/noorcity/messaging/migrations"
)

// sessionEntry couples a conversation session with the done channel that
// stops its event pump.
type sessionEntry struct {
	sess *session.Session
	done chan struct{}
	once sync.Once
}

// release stops the event pump and closes the session. The done channel
// closes first so the pump can tell a registry-driven close from a session
// that gave up on its own.
func (e *sessionEntry) release() {
	e.once.Do(func() {
		close(e.done)
		e.sess.Close()
	})
}

// sessionRegistry tracks open conversations per connection.
type sessionRegistry struct {
	mu     sync.Mutex
	byConn map[string]map[string]*sessionEntry // connID -> roomID -> entry
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byConn: make(map[string]map[string]*sessionEntry)}
}

// getOpen returns the entry for the room if its session is still usable. An
// entry whose session closed itself (reconnect budget exhausted) is dropped
// from the registry and released, so the room can be reopened.
func (r *sessionRegistry) getOpen(connID, roomID string) *sessionEntry {
	r.mu.Lock()
	entry := r.byConn[connID][roomID]
	if entry != nil && entry.sess.State() == session.StateClosed {
		delete(r.byConn[connID], roomID)
		r.mu.Unlock()
		entry.release()
		return nil
	}
	r.mu.Unlock()
	return entry
}

func (r *sessionRegistry) put(connID, roomID string, entry *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.byConn[connID]
	if !ok {
		rooms = make(map[string]*sessionEntry)
		r.byConn[connID] = rooms
	}
	rooms[roomID] = entry
}

func (r *sessionRegistry) remove(connID, roomID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.byConn[connID][roomID]
	if entry != nil {
		delete(r.byConn[connID], roomID)
	}
	return entry
}

// removeEntry removes the mapping only if it still points at entry, so a
// pump for a dead session never evicts a replacement that was opened after
// it.
func (r *sessionRegistry) removeEntry(connID, roomID string, entry *sessionEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byConn[connID][roomID] != entry {
		return false
	}
	delete(r.byConn[connID], roomID)
	return true
}

func (r *sessionRegistry) removeAll(connID string) []*sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sessionEntry
	for _, entry := range r.byConn[connID] {
		out = append(out, entry)
	}
	delete(r.byConn, connID)
	return out
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
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
	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- Durable backend and directory source ---
	var (
		backend store.Backend
		source  directory.Source
	)
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		cancel()
		if err := runMigrations(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		backend = store.NewPostgresBackend(db)
		source = directory.NewPostgresSource(db)
		log.Printf("[store] using postgres backend")
	} else {
		dataDir := "./data"
		if v := os.Getenv("DATA_DIR"); v != "" {
			dataDir = v
		}
		pb, err := store.OpenPebble(dataDir)
		if err != nil {
			log.Fatalf("failed to open pebble at %s: %v", dataDir, err)
		}
		backend = pb
		log.Printf("[store] using pebble backend at %s", dataDir)
	}

	if path := os.Getenv("CONTACTS_FILE"); path != "" {
		src, err := directory.LoadStaticSource(path)
		if err != nil {
			log.Fatalf("failed to load contacts file: %v", err)
		}
		source = src
		log.Printf("[directory] using static contacts from %s", path)
	}
	if source == nil {
		source = directory.NewStaticSource(nil)
		log.Printf("[directory] no source configured, contact list will be empty")
	}

	// --- Redis (optional: directory cache + rate limiting) ---
	var rdb *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
	} else {
		log.Printf("[redis] not configured, rate limiting disabled")
	}

	// --- Fan-out bus ---
	var (
		bus     store.Bus
		natsBus *messaging.Bus
	)
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		b, err := messaging.Connect(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		natsBus = b
		bus = b
	} else {
		bus = store.NewInprocBus()
		log.Printf("[nats] not configured, using in-process fan-out (single instance only)")
	}

	replayLimit := 0
	if v := os.Getenv("REPLAY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			replayLimit = n
		}
	}

	st := store.New(backend, bus, store.Config{ReplayLimit: replayLimit})
	dir := directory.New(source, rdb)
	limiter := ratelimit.NewLimiter(rdb)
	engine := smartreply.NewEngine()
	sessionConfig := session.DefaultConfig()
	registry := newSessionRegistry()

	log.Printf("NoorCity messaging core starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)

	// Declare server early so closures can capture it.
	var server *ws.Server
	dispatcher := ws.NewMessageDispatcher(nil)

	// forwardEvents pumps one session's event stream to the client as
	// protocol messages. Exits when the registry entry is removed or the
	// session reports the closed state.
	forwardEvents := func(conn *ws.Connection, entry *sessionEntry) {
		roomID := entry.sess.RoomID()
		for {
			select {
			case <-entry.done:
				return
			case ev := <-entry.sess.Events():
				switch ev.Type {
				case session.EventStateChanged:
					if ev.State == session.StateClosed {
						select {
						case <-entry.done:
							// Closed through the registry.
						default:
							// The session gave up on its own, likely
							// after exhausting its reconnect budget.
							// Drop it so the room can be reopened.
							registry.removeEntry(conn.ID, roomID, entry)
							entry.release()
							dispatcher.SendError(conn, protocol.CodeConnectionFailed, "conversation lost, reopen to continue")
						}
						return
					}
				case session.EventMessage, session.EventMessageConfirmed:
					data, _ := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
						Message: ev.Message,
					})
					if err := server.SendMessage(conn.ID, data); err != nil {
						log.Printf("[events] send message to conn=%s failed: %v", conn.ID, err)
					}
				case session.EventMessagePending:
					data, _ := protocol.NewServerMessage(protocol.TypeMessagePending, protocol.MessagePendingMsg{
						Message: ev.Message,
					})
					server.SendMessage(conn.ID, data)
				case session.EventSuggestions:
					data, _ := protocol.NewServerMessage(protocol.TypeSmartReplies, protocol.SmartRepliesMsg{
						RoomID:      roomID,
						Suggestions: ev.Suggestions,
					})
					server.SendMessage(conn.ID, data)
				}
			}
		}
	}

	sendRateLimited := func(conn *ws.Connection, identifier string, rule ratelimit.Rule) {
		retry := limiter.RetryAfter(context.Background(), identifier, rule)
		seconds := int(retry.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: seconds,
		})
		conn.WriteMessage(data)
	}

	// -----------------------------------------------------------------------
	// list_contacts — eligible conversation targets
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListContacts, func(conn *ws.Connection, msg interface{}) {
		listMsg, ok := msg.(protocol.ListContactsMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		users, err := dir.EligibleTargets(ctx, conn.UserID)
		if err != nil {
			log.Printf("[contacts] lookup for user=%s failed: %v", conn.UserID, err)
			dispatcher.SendError(conn, protocol.CodeDirectoryUnavailable, "contact list temporarily unavailable")
			return
		}
		users = directory.Filter(users, listMsg.Query)

		data, _ := protocol.NewServerMessage(protocol.TypeContacts, protocol.ContactsMsg{Users: users})
		conn.WriteMessage(data)
	})

	// -----------------------------------------------------------------------
	// open_conversation — derive the room and bring a session live
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenConversation, func(conn *ws.Connection, msg interface{}) {
		openMsg, ok := msg.(protocol.OpenConversationMsg)
		if !ok {
			return
		}

		roomID, err := chat.RoomKey(conn.UserID, openMsg.PeerID)
		if err != nil {
			dispatcher.SendError(conn, protocol.CodeInvalidParticipants, "cannot open a conversation with that peer")
			return
		}

		// Reopening an already-live room just re-confirms it.
		if existing := registry.getOpen(conn.ID, roomID); existing != nil {
			data, _ := protocol.NewServerMessage(protocol.TypeConversationOpened, protocol.ConversationOpenedMsg{
				RoomID: roomID,
				PeerID: openMsg.PeerID,
			})
			conn.WriteMessage(data)
			return
		}

		if !limiter.Allow(context.Background(), conn.UserID, ratelimit.RuleConnect) {
			sendRateLimited(conn, conn.UserID, ratelimit.RuleConnect)
			return
		}

		sess, err := session.New(st, engine, conn.UserID, conn.UserName, openMsg.PeerID, sessionConfig)
		if err != nil {
			dispatcher.SendError(conn, protocol.CodeInvalidParticipants, "cannot open a conversation with that peer")
			return
		}

		entry := &sessionEntry{sess: sess, done: make(chan struct{})}
		registry.put(conn.ID, roomID, entry)
		go forwardEvents(conn, entry)

		// Open retries with backoff, so run it off the read goroutine.
		go func() {
			if err := sess.Open(context.Background()); err != nil {
				log.Printf("[session] open room=%s user=%s failed: %v", roomID, conn.UserID, err)
				if registry.removeEntry(conn.ID, roomID, entry) {
					entry.release()
				}
				code := protocol.CodeInternal
				if errors.Is(err, session.ErrConnectionFailed) {
					code = protocol.CodeConnectionFailed
				}
				dispatcher.SendError(conn, code, "could not open conversation")
				return
			}
			log.Printf("[session] opened room=%s user=%s", roomID, conn.UserID)
			data, _ := protocol.NewServerMessage(protocol.TypeConversationOpened, protocol.ConversationOpenedMsg{
				RoomID: roomID,
				PeerID: openMsg.PeerID,
			})
			if err := server.SendMessage(conn.ID, data); err != nil {
				log.Printf("[session] confirm open to conn=%s failed: %v", conn.ID, err)
			}
		}()
	})

	// -----------------------------------------------------------------------
	// message — send into an open conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}

		if !chat.IsParticipant(sendMsg.RoomID, conn.UserID) {
			dispatcher.SendError(conn, protocol.CodeInvalidParticipants, "not a participant of that room")
			return
		}

		entry := registry.getOpen(conn.ID, sendMsg.RoomID)
		if entry == nil {
			dispatcher.SendError(conn, protocol.CodeSessionClosed, "no open conversation for that room")
			return
		}

		if !limiter.Allow(context.Background(), conn.UserID, ratelimit.RuleSend) {
			sendRateLimited(conn, conn.UserID, ratelimit.RuleSend)
			return
		}

		// Send retries with backoff on transient append failures.
		go func() {
			_, err := entry.sess.SendWithClientMsgID(context.Background(), sendMsg.Body, sendMsg.ClientMsgID)
			if err == nil {
				return
			}
			switch {
			case errors.Is(err, chat.ErrEmptyBody):
				dispatcher.SendError(conn, protocol.CodeEmptyBody, "message body is empty")
			case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotLive):
				dispatcher.SendError(conn, protocol.CodeSessionClosed, "conversation is not open")
			case errors.Is(err, session.ErrConnectionFailed):
				dispatcher.SendError(conn, protocol.CodeConnectionFailed, "message could not be delivered")
			default:
				log.Printf("[session] send room=%s user=%s failed: %v", sendMsg.RoomID, conn.UserID, err)
				dispatcher.SendError(conn, protocol.CodeInternal, "message could not be delivered")
			}
		}()
	})

	// -----------------------------------------------------------------------
	// close_conversation — release the room subscription
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCloseConversation, func(conn *ws.Connection, msg interface{}) {
		closeMsg, ok := msg.(protocol.CloseConversationMsg)
		if !ok {
			return
		}
		if entry := registry.remove(conn.ID, closeMsg.RoomID); entry != nil {
			entry.release()
			log.Printf("[session] closed room=%s user=%s", closeMsg.RoomID, conn.UserID)
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Release every conversation the connection had open.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		for _, entry := range registry.removeAll(conn.ID) {
			entry.release()
		}
	})

	// Prometheus endpoint on its own listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsBus != nil {
			natsBus.Close()
		}
		if err := backend.Close(); err != nil {
			log.Printf("backend close error: %v", err)
		}
		if rdb != nil {
			rdb.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runMigrations applies the embedded schema migrations to the database.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
