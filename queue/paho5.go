package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// Paho5Dialer connects with MQTT 5 through paho.golang. The network
// connection is dialed here so the supervisor keeps full control of retries.
type Paho5Dialer struct {
	cfg DialConfig
}

type paho5Conn struct {
	*connBase
	client *paho.Client
}

func (d *Paho5Dialer) dial(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	if tlsCfg := d.cfg.TLSConfig(); tlsCfg != nil {
		td := &tls.Dialer{NetDialer: nd, Config: tlsCfg}
		return td.DialContext(ctx, "tcp", d.cfg.Address())
	}
	return nd.DialContext(ctx, "tcp", d.cfg.Address())
}

func (d *Paho5Dialer) Dial(ctx context.Context) (Conn, error) {
	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}
	netConn, err := d.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Address(), err)
	}
	c := &paho5Conn{connBase: newConnBase()}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID: d.cfg.ClientID,
		Conn:     netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				c.deliver(Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
				return true, nil
			},
		},
		OnClientError: func(err error) {
			c.finish(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		},
		OnServerDisconnect: func(disconnect *paho.Disconnect) {
			c.finish(fmt.Errorf("%w: server disconnect, reason %d", ErrConnectionLost, disconnect.ReasonCode))
		},
	})

	connect := &paho.Connect{
		ClientID:   d.cfg.ClientID,
		KeepAlive:  uint16(d.cfg.KeepAlive / time.Second),
		CleanStart: true,
	}
	if d.cfg.Username != "" {
		connect.UsernameFlag = true
		connect.Username = d.cfg.Username
		connect.PasswordFlag = true
		connect.Password = []byte(d.cfg.Password)
	}
	ack, err := c.client.Connect(ctx, connect)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("connect %s: %w", d.cfg.Address(), err)
	}
	if ack.ReasonCode != 0 {
		_ = netConn.Close()
		return nil, fmt.Errorf("connect %s: refused, reason %d", d.cfg.Address(), ack.ReasonCode)
	}
	go func() {
		select {
		case <-c.client.Done():
			c.finish(ErrConnectionLost)
		case <-c.done:
		}
	}()
	return c, nil
}

func (c *paho5Conn) Subscribe(ctx context.Context, topics ...string) error {
	sub := &paho.Subscribe{
		Subscriptions: make([]paho.SubscribeOptions, 0, len(topics)),
	}
	for _, t := range topics {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{Topic: t, QoS: 0})
	}
	ack, err := c.client.Subscribe(ctx, sub)
	if err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	for i, code := range ack.Reasons {
		if code >= 0x80 && i < len(topics) {
			return fmt.Errorf("subscribe %s: refused, reason %d", topics[i], code)
		}
	}
	return nil
}

func (c *paho5Conn) Close() error {
	c.finish(ErrClosed)
	return c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
