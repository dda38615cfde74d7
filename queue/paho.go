package queue

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoDialer connects with MQTT 3.1.1 through paho.mqtt.golang. The library's
// own reconnect logic is disabled; reconnecting is the supervisor's job.
type PahoDialer struct {
	cfg DialConfig
}

type pahoConn struct {
	*connBase
	client mqtt.Client
}

func (d *PahoDialer) brokerURL() string {
	scheme := "tcp"
	if d.cfg.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + d.cfg.Address()
}

func (d *PahoDialer) Dial(ctx context.Context) (Conn, error) {
	c := &pahoConn{connBase: newConnBase()}
	opts := mqtt.NewClientOptions().
		AddBroker(d.brokerURL()).
		SetClientID(d.cfg.ClientID).
		SetKeepAlive(d.cfg.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.finish(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		})
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username).SetPassword(d.cfg.Password)
	}
	if tlsCfg := d.cfg.TLSConfig(); tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if err := waitDone(ctx, token.Done()); err != nil {
		c.client.Disconnect(0)
		return nil, err
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.brokerURL(), err)
	}
	return c, nil
}

func (c *pahoConn) Subscribe(ctx context.Context, topics ...string) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 0
	}
	token := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		c.deliver(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if err := waitDone(ctx, token.Done()); err != nil {
		return err
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code >= 0x80 {
				return fmt.Errorf("subscribe %s: refused, reason %d", topic, code)
			}
		}
	}
	return nil
}

func (c *pahoConn) Close() error {
	c.finish(ErrClosed)
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
	return nil
}
