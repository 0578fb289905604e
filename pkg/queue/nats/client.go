package nats

import (
	"flag"
	"time"

	"github.com/ValerySidorin/ferry/pkg/queue/message"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type Config struct {
	Url           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Url, flagPrefix+"nats.url", nats.DefaultURL, `NATS server url`)
	f.StringVar(&c.Name, flagPrefix+"nats.name", "ferry", `NATS connection name`)
	f.DurationVar(&c.ReconnectWait, flagPrefix+"nats.reconnect-wait", nats.DefaultReconnectWait, `Wait between NATS reconnect attempts`)
}

type NatsClient struct {
	conn *nats.Conn
	log  log.Logger
}

func NewNatsClient(cfg Config, log log.Logger) (*NatsClient, error) {
	conn, err := nats.Connect(cfg.Url,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				level.Warn(log).Log("msg", "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			level.Info(log).Log("msg", "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "initialize nats connection")
	}

	return &NatsClient{
		conn: conn,
		log:  log,
	}, nil
}

func (n *NatsClient) Pub(channel string, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return errors.Wrap(err, "nats publish")
	}

	data, err := msg.Encode()
	if err != nil {
		return errors.Wrap(err, "nats publish")
	}

	if err := n.conn.Publish(channel, data); err != nil {
		return errors.Wrap(err, "nats publish")
	}

	return nil
}

func (n *NatsClient) Close() {
	if err := n.conn.Drain(); err != nil {
		level.Warn(n.log).Log("msg", "drain nats connection", "err", err)
		n.conn.Close()
	}
}
