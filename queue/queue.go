package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XANi/azen2prom/azen"
	"go.uber.org/zap"
)

// Queue keeps one device's MQTT session alive: it connects, streams until the
// session dies, backs off and tries again until stopped.
type Queue struct {
	cfg     Config
	matcher *azen.Matcher
	dialer  Dialer
	log     *zap.SugaredLogger
	stats   stats

	// connected is written only by the run loop
	connected atomic.Bool
	running   atomic.Bool

	sleep func(ctx context.Context, stop <-chan struct{}, d time.Duration) bool

	sync.Mutex
	session *Session
	started bool
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
}

type Config struct {
	Serial string
	// Dialer overrides the transport built from Protocol and Dial.
	Dialer   Dialer
	Protocol string
	Dial     DialConfig

	InitialDelay     time.Duration
	MaxDelay         time.Duration
	LivenessTimeout  time.Duration
	SubscribeTimeout time.Duration

	Handlers Handlers
	Logger   *zap.SugaredLogger
}

type Status struct {
	Connected        bool      `json:"connected"`
	State            State     `json:"state"`
	ConnectionCount  int64     `json:"connection_count"`
	ReconnectCount   int64     `json:"reconnect_count"`
	MessagesReceived int64     `json:"messages_received"`
	DecodeErrors     int64     `json:"decode_errors"`
	LastMessage      time.Time `json:"last_message"`
	LastConnect      time.Time `json:"last_connect"`
	LastDisconnect   time.Time `json:"last_disconnect"`
}

// ConnectionInfo describes the broker connection without credentials.
type ConnectionInfo struct {
	Serial    string `json:"serial"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	TLS       bool   `json:"tls_enabled"`
	TLSVerify bool   `json:"tls_verify"`
	Protocol  string `json:"protocol"`
	ClientID  string `json:"client_id"`
	Connected bool   `json:"connected"`
}

// DefaultClientID is the client id used when none is configured.
func DefaultClientID(serial string) string {
	return "ha_azimut_" + serial
}

func New(cfg Config) (*Queue, error) {
	matcher, err := azen.NewMatcher(cfg.Serial)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	if cfg.Dial.ClientID == "" {
		cfg.Dial.ClientID = DefaultClientID(cfg.Serial)
	}
	if cfg.Dial.Port == 0 {
		cfg.Dial.Port = 1883
		if cfg.Dial.TLS {
			cfg.Dial.Port = 8883
		}
	}
	if cfg.Dial.KeepAlive <= 0 {
		cfg.Dial.KeepAlive = DefaultKeepAlive
	}
	if cfg.Dial.ConnectTimeout <= 0 {
		cfg.Dial.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Dial.Logger == nil {
		cfg.Dial.Logger = cfg.Logger
	}
	dialer := cfg.Dialer
	if dialer == nil {
		if cfg.Dial.Host == "" {
			return nil, errors.New("mqtt host not set")
		}
		dialer, err = NewDialer(cfg.Protocol, cfg.Dial)
		if err != nil {
			return nil, err
		}
	}
	return &Queue{
		cfg:     cfg,
		matcher: matcher,
		dialer:  dialer,
		log:     cfg.Logger,
		sleep:   sleepCtx,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (q *Queue) Serial() string {
	return q.matcher.Serial()
}

func (q *Queue) Topics() azen.Topics {
	return q.matcher.Topics()
}

func (q *Queue) Connection() ConnectionInfo {
	protocol := q.cfg.Protocol
	if protocol == "" {
		protocol = Protocol311
	}
	return ConnectionInfo{
		Serial:    q.Serial(),
		Host:      q.cfg.Dial.Host,
		Port:      q.cfg.Dial.Port,
		TLS:       q.cfg.Dial.TLS,
		TLSVerify: q.cfg.Dial.TLSVerify,
		Protocol:  protocol,
		ClientID:  q.cfg.Dial.ClientID,
		Connected: q.IsConnected(),
	}
}

// Start launches the supervisor loop. Calls after the first are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.Lock()
	defer q.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.running.Store(true)
	go q.run(ctx)
}

// Stop ends the loop, waits for it and closes the current session.
// Idempotent; returns promptly even mid-backoff.
func (q *Queue) Stop() {
	q.Lock()
	if !q.running.Swap(false) {
		q.Unlock()
		return
	}
	close(q.stop)
	q.cancel()
	session := q.session
	q.Unlock()
	if session != nil {
		// unblocks a Stream stuck on a slow transport
		session.Disconnect()
	}
	<-q.done
	q.log.Infof("stopped mqtt session for %s", q.Serial())
}

func (q *Queue) IsConnected() bool {
	return q.connected.Load()
}

func (q *Queue) Status() Status {
	state := StateIdle
	q.Lock()
	if q.session != nil {
		state = q.session.State()
	} else if q.started {
		select {
		case <-q.done:
			state = StateClosed
		default:
		}
	}
	q.Unlock()
	return Status{
		Connected:        q.connected.Load(),
		State:            state,
		ConnectionCount:  q.stats.connections.Load(),
		ReconnectCount:   q.stats.reconnects.Load(),
		MessagesReceived: q.stats.messages.Load(),
		DecodeErrors:     q.stats.decodeErrors.Load(),
		LastMessage:      loadTime(&q.stats.lastMessage),
		LastConnect:      loadTime(&q.stats.lastConnect),
		LastDisconnect:   loadTime(&q.stats.lastDisconnect),
	}
}

// Check performs one connect and subscribe and disconnects again. Handlers
// are not called.
func (q *Queue) Check(ctx context.Context) error {
	s := newSession(q.dialer, q.matcher, Handlers{}, &stats{}, q.log, q.cfg.SubscribeTimeout)
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("device %s: %w", q.Serial(), err)
	}
	return nil
}

func (q *Queue) setSession(s *Session) {
	q.Lock()
	q.session = s
	q.Unlock()
}

func (q *Queue) setConnected(connected bool) {
	if !q.connected.CompareAndSwap(!connected, connected) {
		return
	}
	now := time.Now()
	if connected {
		q.stats.connections.Add(1)
		stamp(&q.stats.lastConnect, now)
	} else {
		stamp(&q.stats.lastDisconnect, now)
	}
	if q.cfg.Handlers.ConnectionChange != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Errorf("panic in connection change handler: %v", r)
				}
			}()
			q.cfg.Handlers.ConnectionChange(connected)
		}()
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	backoff := NewBackoff(q.cfg.InitialDelay, q.cfg.MaxDelay)
	for q.running.Load() && ctx.Err() == nil {
		s := newSession(q.dialer, q.matcher, q.cfg.Handlers, &q.stats, q.log, q.cfg.SubscribeTimeout)
		q.setSession(s)
		err := s.Connect(ctx)
		if err == nil {
			backoff.Reset()
			q.setConnected(true)
			q.log.Infof("connected to %s, streaming device %s", q.cfg.Dial.Address(), q.Serial())
			err = s.Stream(ctx, q.cfg.LivenessTimeout)
			if err == nil {
				err = ErrClosed
			}
		}
		s.Disconnect()
		q.setSession(nil)
		q.setConnected(false)
		if !q.running.Load() || ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		q.stats.reconnects.Add(1)
		q.log.Warnf("mqtt session for %s ended: %s, reconnecting in %s", q.Serial(), err, delay)
		if !q.sleep(ctx, q.stop, delay) {
			return
		}
	}
}
