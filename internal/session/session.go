// Package session implements the per-conversation runtime object that
// coordinates one user's live view of one room: subscription lifecycle with
// bounded reconnect backoff, outbound send sequencing with optimistic
// pending entries, and smart-reply recomputation on inbound messages.
//
// A session is logically single-threaded: every state mutation happens on
// the session's own run loop (or before it starts), so many sessions run
// concurrently without sharing anything but the message store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noorcity/messaging/internal/chat"
	"github.com/noorcity/messaging/internal/metrics"
	"github.com/noorcity/messaging/internal/smartreply"
	"github.com/noorcity/messaging/internal/store"
)

// State is the session state machine position.
type State string

const (
	StateIdle    State = "idle"    // no subscription, never opened
	StateOpening State = "opening" // subscription being established
	StateLive    State = "live"    // delivering messages
	StateClosed  State = "closed"  // released; only Open is accepted
)

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session: session is closed")

	// ErrNotLive is returned when Send is called before the session
	// finished opening.
	ErrNotLive = errors.New("session: session is not live")

	// ErrConnectionFailed is returned when the subscription could not be
	// established within the bounded retry budget. The condition is
	// retryable: call Open again.
	ErrConnectionFailed = errors.New("session: subscription could not be established")
)

// MessageStore is the slice of the store the session depends on.
type MessageStore interface {
	Append(ctx context.Context, roomID, senderID, senderName, body, clientMsgID string) (chat.Message, error)
	Subscribe(ctx context.Context, roomID string) (*store.Subscription, error)
}

// Config holds session tuning parameters.
type Config struct {
	BackoffBase time.Duration // delay before the first retry
	BackoffCap  time.Duration // upper bound for the exponential delay
	MaxAttempts int           // subscribe/append attempts before giving up
	EventBuffer int           // capacity of the event stream
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 250 * time.Millisecond,
		BackoffCap:  4 * time.Second,
		MaxAttempts: 5,
		EventBuffer: 64,
	}
}

type command struct {
	body        string
	clientMsgID string
	reply       chan sendResult
}

type sendResult struct {
	clientMsgID string
	err         error
}

// epoch is one Open..Close span. Reopening a closed session starts a fresh
// epoch so stale goroutines from the previous one cannot touch the new state.
type epoch struct {
	closeCh chan struct{}
	cmds    chan command
	once    sync.Once
}

func (e *epoch) shutdown() { e.once.Do(func() { close(e.closeCh) }) }

// Session is one caller's live view of one room.
type Session struct {
	ID         string
	callerID   string
	callerName string
	peerID     string
	roomID     string

	store   MessageStore
	replies *smartreply.Engine
	config  Config
	events  chan Event

	mu          sync.Mutex
	state       State
	ep          *epoch
	view        []chat.Message
	pending     map[string]chat.Message // clientMsgID -> optimistic entry
	seen        map[string]bool         // senderID+clientMsgID already in view
	suggestions []smartreply.Suggestion
}

// New creates a session for the caller/peer pair. The room key is derived
// eagerly, so an invalid pair fails here with chat.ErrInvalidParticipants.
func New(st MessageStore, replies *smartreply.Engine, callerID, callerName, peerID string, config Config) (*Session, error) {
	roomID, err := chat.RoomKey(callerID, peerID)
	if err != nil {
		return nil, err
	}
	if config.MaxAttempts <= 0 {
		config = DefaultConfig()
	}
	return &Session{
		ID:         uuid.New().String(),
		callerID:   callerID,
		callerName: callerName,
		peerID:     peerID,
		roomID:     roomID,
		store:      st,
		replies:    replies,
		config:     config,
		events:     make(chan Event, config.EventBuffer),
		state:      StateIdle,
		pending:    make(map[string]chat.Message),
		seen:       make(map[string]bool),
	}, nil
}

// RoomID returns the derived room identifier.
func (s *Session) RoomID() string { return s.roomID }

// Events returns the session's event stream. Events are dropped, not
// blocked on, when the consumer falls behind; the getters always reflect
// the full current view.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the confirmed ordered view.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.view))
	copy(out, s.view)
	return out
}

// Pending returns a snapshot of outbound messages awaiting confirmation.
func (s *Session) Pending() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m)
	}
	return out
}

// Suggestions returns a snapshot of the current smart-reply candidates.
func (s *Session) Suggestions() []smartreply.Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]smartreply.Suggestion, len(s.suggestions))
	copy(out, s.suggestions)
	return out
}

// Open establishes the subscription and blocks until the session is Live,
// the retry budget is exhausted (ErrConnectionFailed, session Closed), or
// ctx is done. Reopening a Closed session is allowed and starts over.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpening || s.state == StateLive {
		s.mu.Unlock()
		return fmt.Errorf("session: already open")
	}
	ep := &epoch{
		closeCh: make(chan struct{}),
		cmds:    make(chan command),
	}
	s.ep = ep
	s.setStateLocked(StateOpening)
	s.mu.Unlock()

	opened := make(chan error, 1)
	go s.run(ep, opened)

	select {
	case err := <-opened:
		return err
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Send validates and commits an outbound message, keeping it in a pending
// sub-state until the commit is observed on the subscription. It returns
// the generated client message ID. Validation failures are returned
// immediately; transport failures are retried with the same client message
// ID, so a retry that races an earlier success reconciles instead of
// duplicating.
func (s *Session) Send(ctx context.Context, body string) (string, error) {
	return s.SendWithClientMsgID(ctx, body, "")
}

// SendWithClientMsgID is Send with a caller-supplied client message ID. A
// client retrying a send across a dropped connection can reuse the ID and
// have the retry dedupe against the original append instead of committing a
// second message. An empty ID generates a fresh one.
func (s *Session) SendWithClientMsgID(ctx context.Context, body, clientMsgID string) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateIdle:
		s.mu.Unlock()
		return "", ErrSessionClosed
	case StateOpening:
		s.mu.Unlock()
		return "", ErrNotLive
	}
	ep := s.ep
	s.mu.Unlock()

	cmd := command{body: body, clientMsgID: clientMsgID, reply: make(chan sendResult, 1)}
	select {
	case ep.cmds <- cmd:
	case <-ep.closeCh:
		return "", ErrSessionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.clientMsgID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close releases the subscription and rejects further operations except
// Open. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	ep := s.ep
	if s.state != StateClosed {
		s.setStateLocked(StateClosed)
	}
	s.mu.Unlock()
	if ep != nil {
		ep.shutdown()
	}
	return nil
}

// run is the session's event loop. It owns the subscription and processes
// deliveries and commands strictly sequentially.
func (s *Session) run(ep *epoch, opened chan<- error) {
	sub, err := s.connect(ep)
	if err != nil {
		s.failEpoch(ep)
		opened <- err
		return
	}

	s.mu.Lock()
	s.setStateLocked(StateLive)
	s.mu.Unlock()
	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()
	opened <- nil

	for {
		select {
		case <-ep.closeCh:
			if err := sub.Close(); err != nil {
				log.Printf("[session] close subscription room=%s: %v", s.roomID, err)
			}
			return

		case msg, ok := <-sub.C():
			if !ok {
				// Transport dropped the subscription. Re-enter Opening and
				// rebuild it; replayed history is deduplicated against the
				// existing view.
				_ = sub.Close()
				s.mu.Lock()
				s.setStateLocked(StateOpening)
				s.mu.Unlock()
				sub, err = s.connect(ep)
				if err != nil {
					log.Printf("[session] reconnect room=%s: %v", s.roomID, err)
					s.failEpoch(ep)
					return
				}
				s.mu.Lock()
				s.setStateLocked(StateLive)
				s.mu.Unlock()
				continue
			}
			s.handleDelivery(msg)

		case cmd := <-ep.cmds:
			cmd.reply <- s.doSend(ep, cmd.body, cmd.clientMsgID)
		}
	}
}

// failEpoch transitions to Closed and wakes anything blocked on the epoch.
func (s *Session) failEpoch(ep *epoch) {
	s.mu.Lock()
	s.setStateLocked(StateClosed)
	s.mu.Unlock()
	ep.shutdown()
}

// connect subscribes with exponential backoff, bounded by MaxAttempts.
// Closing the session cancels the in-flight attempt.
func (s *Session) connect(ep *epoch) (*store.Subscription, error) {
	delay := s.config.BackoffBase
	for attempt := 1; ; attempt++ {
		select {
		case <-ep.closeCh:
			return nil, ErrSessionClosed
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		stop := make(chan struct{})
		go func() {
			select {
			case <-ep.closeCh:
				cancel()
			case <-stop:
			}
		}()
		sub, err := s.store.Subscribe(ctx, s.roomID)
		close(stop)
		cancel()
		if err == nil {
			return sub, nil
		}

		log.Printf("[session] subscribe room=%s attempt=%d/%d: %v",
			s.roomID, attempt, s.config.MaxAttempts, err)
		if attempt >= s.config.MaxAttempts {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}

		select {
		case <-time.After(delay):
		case <-ep.closeCh:
			return nil, ErrSessionClosed
		}
		delay *= 2
		if delay > s.config.BackoffCap {
			delay = s.config.BackoffCap
		}
	}
}

// doSend runs on the event loop. The pending entry exists from before the
// first append attempt until the commit is observed on the subscription or
// the send definitively fails.
func (s *Session) doSend(ep *epoch, body, clientMsgID string) sendResult {
	body, err := chat.ValidateBody(body)
	if err != nil {
		return sendResult{err: err}
	}
	if clientMsgID == "" {
		clientMsgID = uuid.New().String()
	} else {
		// A caller-supplied ID whose commit already echoed back is a client
		// retry; report success without a second pending entry.
		key := s.callerID + "\x00" + clientMsgID
		s.mu.Lock()
		done := s.seen[key]
		s.mu.Unlock()
		if done {
			return sendResult{clientMsgID: clientMsgID}
		}
	}

	draft := chat.Message{
		RoomID:      s.roomID,
		SenderID:    s.callerID,
		SenderName:  s.callerName,
		Body:        body,
		ClientMsgID: clientMsgID,
	}
	s.mu.Lock()
	s.pending[clientMsgID] = draft
	s.mu.Unlock()
	s.emit(Event{Type: EventMessagePending, Message: draft})

	delay := s.config.BackoffBase
	var lastErr error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithCancel(context.Background())
		stop := make(chan struct{})
		go func() {
			select {
			case <-ep.closeCh:
				cancel()
			case <-stop:
			}
		}()
		_, err := s.store.Append(ctx, s.roomID, s.callerID, s.callerName, body, clientMsgID)
		close(stop)
		cancel()

		if err == nil || errors.Is(err, store.ErrDuplicateClientMsgID) {
			// Committed (a duplicate means an earlier attempt landed). The
			// confirmation arrives through the subscription and reconciles
			// the pending entry there.
			return sendResult{clientMsgID: clientMsgID}
		}
		if errors.Is(err, chat.ErrEmptyBody) {
			s.dropPending(clientMsgID)
			return sendResult{err: err}
		}

		lastErr = err
		log.Printf("[session] append room=%s attempt=%d/%d: %v",
			s.roomID, attempt, s.config.MaxAttempts, err)
		if attempt >= s.config.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ep.closeCh:
			s.dropPending(clientMsgID)
			return sendResult{err: ErrSessionClosed}
		}
		delay *= 2
		if delay > s.config.BackoffCap {
			delay = s.config.BackoffCap
		}
	}

	s.dropPending(clientMsgID)
	return sendResult{err: fmt.Errorf("session: send failed: %w", lastErr)}
}

func (s *Session) dropPending(clientMsgID string) {
	s.mu.Lock()
	delete(s.pending, clientMsgID)
	s.mu.Unlock()
}

// handleDelivery folds one delivered message into the view. Inbound
// messages refresh the smart-reply set; the caller's own echoes confirm
// their pending entries.
func (s *Session) handleDelivery(msg chat.Message) {
	key := msg.SenderID + "\x00" + msg.ClientMsgID
	s.mu.Lock()
	if s.seen[key] {
		s.mu.Unlock()
		return
	}
	s.seen[key] = true
	s.view = append(s.view, msg)

	var confirmed bool
	if msg.SenderID == s.callerID {
		if _, ok := s.pending[msg.ClientMsgID]; ok {
			delete(s.pending, msg.ClientMsgID)
			confirmed = true
		}
	}

	inbound := msg.SenderID != s.callerID
	var sugg []smartreply.Suggestion
	if inbound {
		sugg = s.replies.Suggest(msg.Body)
		s.suggestions = sugg
	}
	s.mu.Unlock()

	if confirmed {
		s.emit(Event{Type: EventMessageConfirmed, Message: msg})
	} else {
		s.emit(Event{Type: EventMessage, Message: msg})
	}
	if inbound {
		metrics.SmartRepliesGenerated.Inc()
		s.emit(Event{Type: EventSuggestions, Suggestions: sugg})
	}
}

// setStateLocked records a transition and emits it. Callers hold s.mu.
func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.emit(Event{Type: EventStateChanged, State: state})
}

// emit publishes an event without ever blocking the loop. A full buffer
// drops the event; the snapshot getters remain authoritative.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[session] event buffer full, dropping %s room=%s", ev.Type, s.roomID)
	}
}
