package config

import (
	"flag"

	"github.com/ValerySidorin/ferry/pkg/tracker/config/pg"
)

const (
	StorePg       = "pg"
	StoreInmemory = "inmemory"
)

type Config struct {
	Store       string `yaml:"store"`
	StoreConfig `yaml:",inline"`
}

type StoreConfig struct {
	Pg pg.Config `yaml:"pg"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Pg.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Store, flagPrefix+"store", StoreInmemory, `Store, that will be used to persist submission status and records (pg, inmemory).`)
}
