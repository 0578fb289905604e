package ferry

import (
	"context"
	"flag"
	"os"

	"github.com/ValerySidorin/ferry/pkg/api"
	"github.com/ValerySidorin/ferry/pkg/intake"
	"github.com/ValerySidorin/ferry/pkg/pipeline"
	"github.com/ValerySidorin/ferry/pkg/tracker"
	trackercfg "github.com/ValerySidorin/ferry/pkg/tracker/config"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/signals"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Target string `yaml:"target"`

	Log      util_log.Config   `yaml:"log"`
	Server   api.Config        `yaml:"server"`
	Tracker  trackercfg.Config `yaml:"tracker"`
	Pipeline pipeline.Config   `yaml:"pipeline"`
	Intake   intake.Config     `yaml:"intake"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, `Module to run: pipeline, api, intake or all.`)

	c.Log.RegisterFlags(f)
	c.Server.RegisterFlags("server.", f)
	c.Tracker.RegisterFlags("tracker.", f)
	c.Pipeline.RegisterFlags("pipeline.", f)
	c.Intake.RegisterFlags("intake.", f)
}

// LoadConfig reads a YAML file into cfg, expanding ${VAR} references first.
// Unknown keys are an error.
func LoadConfig(path string, expandEnv bool, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrap(err, "parse config file")
	}

	return nil
}

type Ferry struct {
	Cfg Config

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// set during initialization
	ServiceMap    map[string]services.Service
	ModuleManager *modules.Manager

	Tracker  *tracker.Tracker
	Pipeline *pipeline.Orchestrator
	API      *api.API
	Intake   *intake.Intake
}

func New(cfg Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Ferry, error) {
	f := &Ferry{
		Cfg:        cfg,
		Registerer: reg,
		Gatherer:   gatherer,
	}

	if err := f.setupModuleManager(); err != nil {
		return nil, err
	}

	return f, nil
}

// Run starts the target modules and blocks until they stop or a signal arrives.
func (f *Ferry) Run() error {
	serviceMap, err := f.ModuleManager.InitModuleServices(f.Cfg.Target)
	if err != nil {
		return err
	}
	f.ServiceMap = serviceMap

	servs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return errors.Wrap(err, "init service manager")
	}

	healthy := func() { level.Info(util_log.Logger).Log("msg", "ferry started", "target", f.Cfg.Target) }
	stopped := func() { level.Info(util_log.Logger).Log("msg", "ferry stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				level.Error(util_log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(util_log.Logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(f.Cfg.Log.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "start services")
	}

	err = sm.AwaitStopped(context.Background())
	handler.Stop()
	if err != nil {
		return err
	}

	if failed := sm.ServicesByState()[services.Failed]; len(failed) > 0 {
		return failed[0].FailureCase()
	}

	return nil
}
