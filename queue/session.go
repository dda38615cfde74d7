package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/XANi/azen2prom/azen"
	"go.uber.org/zap"
)

var ErrLivenessTimeout = errors.New("liveness timeout")

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handlers receive decoded events. All of them are called from the single
// goroutine running Stream (or the supervisor loop for ConnectionChange), so
// they never run concurrently with each other.
type Handlers struct {
	Discovery        func(d azen.Discovery)
	State            func(topic string, value float64)
	ConnectionChange func(connected bool)
}

type stats struct {
	connections    atomic.Int64
	reconnects     atomic.Int64
	messages       atomic.Int64
	decodeErrors   atomic.Int64
	lastMessage    atomic.Int64
	lastConnect    atomic.Int64
	lastDisconnect atomic.Int64
}

func stamp(v *atomic.Int64, t time.Time) {
	v.Store(t.UnixNano())
}

func loadTime(v *atomic.Int64) time.Time {
	ns := v.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Session is a single connect/subscribe/stream lifetime. A new Session is
// created for every connection attempt; a Session is never reused.
type Session struct {
	dialer           Dialer
	matcher          *azen.Matcher
	handlers         Handlers
	stats            *stats
	log              *zap.SugaredLogger
	subscribeTimeout time.Duration

	mu    sync.Mutex
	state State
	conn  Conn
}

func NewSession(dialer Dialer, matcher *azen.Matcher, handlers Handlers, logger *zap.SugaredLogger) *Session {
	return newSession(dialer, matcher, handlers, &stats{}, logger, 0)
}

func newSession(dialer Dialer, matcher *azen.Matcher, handlers Handlers, st *stats, logger *zap.SugaredLogger, subscribeTimeout time.Duration) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if subscribeTimeout <= 0 {
		subscribeTimeout = 10 * time.Second
	}
	return &Session{
		dialer:           dialer,
		matcher:          matcher,
		handlers:         handlers,
		stats:            st,
		log:              logger,
		subscribeTimeout: subscribeTimeout,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateFrom moves to next only if the session is still in from.
func (s *Session) setStateFrom(from, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = next
	return true
}

// Connect dials the broker and subscribes to the discovery and state filters.
// On failure the session is back in Idle and holds no connection.
func (s *Session) Connect(ctx context.Context) error {
	if !s.setStateFrom(StateIdle, StateConnecting) {
		return fmt.Errorf("cannot connect session in state %s", s.State())
	}
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.setStateFrom(StateConnecting, StateIdle)
		return fmt.Errorf("connect: %w", err)
	}
	topics := s.matcher.Topics()
	subCtx, cancel := context.WithTimeout(ctx, s.subscribeTimeout)
	err = conn.Subscribe(subCtx, topics.Discovery, topics.State)
	cancel()
	if err != nil {
		_ = conn.Close()
		s.setStateFrom(StateConnecting, StateIdle)
		return fmt.Errorf("subscribe: %w", err)
	}
	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnect ran while we were dialing
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.state = StateSubscribed
	s.mu.Unlock()
	s.log.Debugf("subscribed to %s and %s", topics.Discovery, topics.State)
	return nil
}

// Stream consumes messages until ctx is cancelled (nil), the connection is
// lost (wrapped transport error) or nothing arrives for liveness
// (ErrLivenessTimeout). liveness <= 0 disables the watchdog.
func (s *Session) Stream(ctx context.Context, liveness time.Duration) error {
	s.mu.Lock()
	if s.state != StateSubscribed {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot stream session in state %s", st)
	}
	s.state = StateStreaming
	conn := s.conn
	s.mu.Unlock()

	last := time.Now()
	var timer *time.Timer
	var watchdog <-chan time.Time
	if liveness > 0 {
		timer = time.NewTimer(liveness)
		defer timer.Stop()
		watchdog = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			s.setStateFrom(StateStreaming, StateClosed)
			return nil
		case <-conn.Done():
			return s.transportDone(conn)
		case m := <-conn.Messages():
			last = time.Now()
			s.receive(m, last)
		case <-watchdog:
			idle := time.Since(last)
			if idle >= liveness {
				s.setStateFrom(StateStreaming, StateFaulted)
				return fmt.Errorf("%w: no message for %s", ErrLivenessTimeout, idle.Round(time.Millisecond))
			}
			timer.Reset(liveness - idle)
		}
	}
}

func (s *Session) transportDone(conn Conn) error {
	err := conn.Err()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	s.setStateFrom(StateStreaming, StateFaulted)
	if err == nil {
		err = ErrConnectionLost
	}
	return fmt.Errorf("transport: %w", err)
}

func (s *Session) receive(m Message, now time.Time) {
	s.stats.messages.Add(1)
	stamp(&s.stats.lastMessage, now)
	s.handle(m)
}

func (s *Session) handle(m Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("panic while handling message on %s: %v", m.Topic, r)
		}
	}()
	if !utf8.Valid(m.Payload) {
		s.log.Debugf("dropping non-UTF-8 payload on %s", m.Topic)
		s.stats.decodeErrors.Add(1)
		return
	}
	kind, sensorID := s.matcher.Classify(m.Topic)
	switch kind {
	case azen.KindDiscovery:
		d, err := azen.DecodeDiscovery(m.Payload)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			if errors.Is(err, azen.ErrMissingUniqueID) {
				s.log.Warnf("discovery for %s has no unique_id, ignoring", sensorID)
			} else {
				s.log.Debugf("could not decode discovery %s: %s", m.Topic, err)
			}
			return
		}
		s.log.Debugf("discovery %s: %+v", m.Topic, d)
		if s.handlers.Discovery != nil {
			s.handlers.Discovery(d)
		}
	case azen.KindState:
		v, err := azen.DecodeState(m.Payload)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			s.log.Debugf("could not decode state %s [%s]: %s", m.Topic, string(m.Payload), err)
			return
		}
		if s.handlers.State != nil {
			s.handlers.State(m.Topic, v)
		}
	default:
		s.log.Debugf("unhandled topic %s", m.Topic)
	}
}

// Disconnect closes the connection if any. Safe to call more than once and
// from any goroutine.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed && s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debugf("error closing connection: %s", err)
		}
	}
}
