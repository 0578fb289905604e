// Package queue publishes terminal submission statuses. Publishing is optional: an
// empty type disables it.
package queue

import (
	"flag"

	"github.com/ValerySidorin/ferry/pkg/queue/message"
	"github.com/ValerySidorin/ferry/pkg/queue/nats"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

const Subject = "ferry.submissions"

type Config struct {
	Type    string      `yaml:"type"`
	Subject string      `yaml:"subject"`
	Nats    nats.Config `yaml:"nats"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Type, flagPrefix+"type", "", `Queue, that will be used to publish terminal statuses (nats). Empty disables notifications.`)
	f.StringVar(&c.Subject, flagPrefix+"subject", Subject, `Subject for status notifications.`)
	c.Nats.RegisterFlags(flagPrefix, f)
}

type Publisher interface {
	Pub(channel string, msg *message.Message) error
	Close()
}

// NewPublisher returns nil, nil when notifications are disabled.
func NewPublisher(cfg Config, log log.Logger) (Publisher, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "nats":
		return nats.NewNatsClient(cfg.Nats, log)
	default:
		return nil, errors.Errorf("invalid queue type: %q", cfg.Type)
	}
}
