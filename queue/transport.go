package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed          = errors.New("connection closed")
	ErrConnectionLost  = errors.New("connection lost")
	ErrUnknownProtocol = errors.New("unknown mqtt protocol")
)

const (
	Protocol311 = "3.1.1"
	Protocol5   = "5"
)

// Message is one inbound publish as seen by the session.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is one live broker connection. Messages are delivered on Messages()
// until Done() is closed; Err() then tells whether the connection was lost
// (non-nil) or closed locally (ErrClosed).
type Conn interface {
	Subscribe(ctx context.Context, topics ...string) error
	Messages() <-chan Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a new Conn for every connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

type DialConfig struct {
	Host string
	Port int
	TLS  bool
	// TLSVerify enables certificate and hostname verification. The device
	// broker ships a self-signed certificate, so it is off unless asked for.
	TLSVerify      bool
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Logger         *zap.SugaredLogger
}

func (c *DialConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSConfig returns nil when TLS is off. With TLSVerify unset the returned
// config skips certificate chain and hostname checks.
func (c *DialConfig) TLSConfig() *tls.Config {
	if !c.TLS {
		return nil
	}
	cfg := &tls.Config{
		ServerName: c.Host,
		MinVersion: tls.VersionTLS12,
	}
	if !c.TLSVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// NewDialer picks the transport implementation for protocol.
func NewDialer(protocol string, cfg DialConfig) (Dialer, error) {
	switch protocol {
	case "", Protocol311:
		return &PahoDialer{cfg: cfg}, nil
	case Protocol5:
		return &Paho5Dialer{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
}

// connBase implements the delivery and shutdown bookkeeping shared by both
// transports.
type connBase struct {
	msgs chan Message
	done chan struct{}
	once sync.Once
	err  error
}

func newConnBase() *connBase {
	return &connBase{
		msgs: make(chan Message, 256),
		done: make(chan struct{}),
	}
}

func (c *connBase) deliver(m Message) {
	select {
	case c.msgs <- m:
	case <-c.done:
	}
}

func (c *connBase) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *connBase) Messages() <-chan Message {
	return c.msgs
}

func (c *connBase) Done() <-chan struct{} {
	return c.done
}

func (c *connBase) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
