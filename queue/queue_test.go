package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/XANi/azen2prom/azen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSerial = "ABC123"

var errRefused = errors.New("connection refused")

type fakeConn struct {
	*connBase
	mu         sync.Mutex
	subscribed []string
	subErr     error
	closed     atomic.Bool
}

func (c *fakeConn) Subscribe(_ context.Context, topics ...string) error {
	c.mu.Lock()
	c.subscribed = append(c.subscribed, topics...)
	c.mu.Unlock()
	return c.subErr
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.finish(ErrClosed)
	return nil
}

func (c *fakeConn) publish(topic, payload string) {
	c.deliver(Message{Topic: topic, Payload: []byte(payload)})
}

// fakeDialer fails the n-th dial with errs[n] when it is non-nil and hands
// out a fresh fakeConn otherwise.
type fakeDialer struct {
	mu       sync.Mutex
	errs     []error
	subErr   error
	attempts int
	conns    chan *fakeConn
}

func newFakeDialer(errs ...error) *fakeDialer {
	return &fakeDialer{errs: errs, conns: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	n := d.attempts
	d.attempts++
	var err error
	if n < len(d.errs) {
		err = d.errs[n]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := &fakeConn{connBase: newConnBase(), subErr: d.subErr}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no connection dialed")
		return nil
	}
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, got)
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestSleepCtxInterrupted(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	start := time.Now()
	assert.False(t, sleepCtx(context.Background(), stop, time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, make(chan struct{}), time.Hour))
	assert.True(t, sleepCtx(context.Background(), make(chan struct{}), time.Millisecond))
}

func TestNewValidatesSerial(t *testing.T) {
	for _, serial := range []string{"", "a/b", "x#"} {
		_, err := New(Config{Serial: serial, Dialer: newFakeDialer()})
		assert.ErrorIs(t, err, azen.ErrInvalidSerial, serial)
	}
}

func TestNewDefaults(t *testing.T) {
	q, err := New(Config{Serial: "007890", Protocol: Protocol311, Dial: DialConfig{Host: "azen.local", TLS: true}})
	require.NoError(t, err)
	assert.Equal(t, 8883, q.cfg.Dial.Port)
	assert.Equal(t, "ha_azimut_007890", q.cfg.Dial.ClientID)
	assert.Equal(t, DefaultLivenessTimeout, q.cfg.LivenessTimeout)
	assert.IsType(t, &PahoDialer{}, q.dialer)
	assert.Equal(t, "ssl://azen.local:8883", q.dialer.(*PahoDialer).brokerURL())
	assert.Equal(t, "homeassistant/sensor/azen_007890/+/config", q.Topics().Discovery)

	q, err = New(Config{Serial: "1", Protocol: Protocol5, Dial: DialConfig{Host: "h"}})
	require.NoError(t, err)
	assert.Equal(t, 1883, q.cfg.Dial.Port)
	assert.IsType(t, &Paho5Dialer{}, q.dialer)

	_, err = New(Config{Serial: "1", Protocol: "4", Dial: DialConfig{Host: "h"}})
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = New(Config{Serial: "1"})
	assert.Error(t, err)
}

func TestTLSConfigPolicy(t *testing.T) {
	cfg := DialConfig{Host: "azen.local", Port: 8883}
	assert.Nil(t, cfg.TLSConfig())

	cfg.TLS = true
	tlsCfg := cfg.TLSConfig()
	require.NotNil(t, tlsCfg)
	assert.True(t, tlsCfg.InsecureSkipVerify)
	assert.Equal(t, "azen.local", tlsCfg.ServerName)

	cfg.TLSVerify = true
	assert.False(t, cfg.TLSConfig().InsecureSkipVerify)
	assert.Equal(t, "azen.local:8883", cfg.Address())
}

func TestQueueReconnectsWithBackoff(t *testing.T) {
	dialer := newFakeDialer(errRefused, errRefused, errRefused, errRefused)
	events := make(chan bool, 16)
	q, err := New(Config{
		Serial: testSerial,
		Dialer: dialer,
		Logger: zaptest.NewLogger(t).Sugar(),
		Handlers: Handlers{
			ConnectionChange: func(connected bool) { events <- connected },
		},
	})
	require.NoError(t, err)
	delays := make(chan time.Duration, 16)
	q.sleep = func(_ context.Context, _ <-chan struct{}, d time.Duration) bool {
		delays <- d
		return true
	}
	q.Start(context.Background())

	conn := nextConn(t, dialer)
	assert.Equal(t, true, <-events)
	assert.True(t, q.IsConnected())
	assert.ElementsMatch(t, []string{
		"homeassistant/sensor/azen_ABC123/+/config",
		"azen/ABC123/sensor/+/state",
	}, conn.subscribed)

	conn.finish(ErrConnectionLost)
	assert.Equal(t, false, <-events)
	conn = nextConn(t, dialer)
	assert.Equal(t, true, <-events)

	q.Stop()
	assert.Equal(t, false, <-events)
	assert.False(t, q.IsConnected())
	assert.True(t, conn.closed.Load())
	close(delays)
	var got []time.Duration
	for d := range delays {
		got = append(got, d)
	}
	// four failed attempts, then the reset after success
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, time.Second}, got)

	st := q.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, StateClosed, st.State)
	assert.EqualValues(t, 2, st.ConnectionCount)
	assert.EqualValues(t, 5, st.ReconnectCount)
	assert.False(t, st.LastConnect.IsZero())
	assert.False(t, st.LastDisconnect.IsZero())
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra connection event %v", ev)
	default:
	}
}

func TestQueueStopDuringBackoff(t *testing.T) {
	dialer := newFakeDialer(errRefused)
	q, err := New(Config{
		Serial:       testSerial,
		Dialer:       dialer,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Logger:       zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	q.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.Attempts() >= 1 }, 5*time.Second, 5*time.Millisecond)
	start := time.Now()
	q.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, dialer.Attempts())
	q.Stop()
}

func TestQueueStopWithoutStart(t *testing.T) {
	q, err := New(Config{Serial: testSerial, Dialer: newFakeDialer()})
	require.NoError(t, err)
	q.Stop()
	assert.Equal(t, StateIdle, q.Status().State)
}

func TestQueueLivenessTimeoutReconnects(t *testing.T) {
	dialer := newFakeDialer()
	q, err := New(Config{
		Serial:          testSerial,
		Dialer:          dialer,
		LivenessTimeout: 50 * time.Millisecond,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		Logger:          zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()
	first := nextConn(t, dialer)
	nextConn(t, dialer)
	assert.True(t, first.closed.Load())
	assert.GreaterOrEqual(t, q.Status().ReconnectCount, int64(1))
}

func TestQueueDeliversMessages(t *testing.T) {
	dialer := newFakeDialer()
	discoveries := make(chan azen.Discovery, 4)
	states := make(chan float64, 4)
	q, err := New(Config{
		Serial: testSerial,
		Dialer: dialer,
		Logger: zaptest.NewLogger(t).Sugar(),
		Handlers: Handlers{
			Discovery: func(d azen.Discovery) { discoveries <- d },
			State:     func(_ string, v float64) { states <- v },
		},
	})
	require.NoError(t, err)
	q.Start(context.Background())
	defer q.Stop()
	conn := nextConn(t, dialer)
	conn.publish("homeassistant/sensor/azen_ABC123/soc/config", `{"unique_id": "azen_ABC123_soc", "state_topic": "azen/ABC123/sensor/soc/state"}`)
	conn.publish("azen/ABC123/sensor/soc/state", "85.50")
	assert.Equal(t, "azen_ABC123_soc", (<-discoveries).UniqueID)
	assert.Equal(t, 85.5, <-states)
	require.Eventually(t, func() bool { return q.Status().MessagesReceived == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, q.Status().LastMessage.IsZero())
	assert.Equal(t, StateStreaming, q.Status().State)
}

func TestQueueCheck(t *testing.T) {
	dialer := newFakeDialer(errRefused)
	q, err := New(Config{Serial: testSerial, Dialer: dialer, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	assert.ErrorIs(t, q.Check(context.Background()), errRefused)

	require.NoError(t, q.Check(context.Background()))
	conn := nextConn(t, dialer)
	assert.True(t, conn.closed.Load())
	assert.False(t, q.IsConnected())

	dialer.subErr = errors.New("not authorized")
	assert.Error(t, q.Check(context.Background()))
}

func TestQueueConnectionInfo(t *testing.T) {
	q, err := New(Config{
		Serial: testSerial,
		Dialer: newFakeDialer(),
		Dial:   DialConfig{Host: "192.168.1.50", TLS: true, Password: "secret"},
	})
	require.NoError(t, err)
	info := q.Connection()
	assert.Equal(t, ConnectionInfo{
		Serial:   testSerial,
		Host:     "192.168.1.50",
		Port:     8883,
		TLS:      true,
		Protocol: Protocol311,
		ClientID: "ha_azimut_ABC123",
	}, info)
}

func TestProbeClientID(t *testing.T) {
	a := ProbeClientID("504589")
	assert.True(t, strings.HasPrefix(a, "ha_azimut_504589_probe_"))
	assert.Len(t, a, len("ha_azimut_504589_probe_")+6)
	assert.NotEqual(t, DefaultClientID("504589"), a)
}

func TestQueueClosedWhenContextCancelled(t *testing.T) {
	dialer := newFakeDialer()
	q, err := New(Config{Serial: testSerial, Dialer: dialer, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, q.Status().State)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	nextConn(t, dialer)
	require.Eventually(t, q.IsConnected, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return q.Status().State == StateClosed }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, q.Status().Connected)
	q.Stop()
	assert.Equal(t, StateClosed, q.Status().State)
}
