package ferry

import (
	"context"

	"github.com/ValerySidorin/ferry/pkg/api"
	"github.com/ValerySidorin/ferry/pkg/intake"
	"github.com/ValerySidorin/ferry/pkg/pipeline"
	"github.com/ValerySidorin/ferry/pkg/tracker"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
)

const (
	Tracker  = "tracker"
	Pipeline = "pipeline"
	API      = "api"
	Intake   = "intake"
	All      = "all"
)

func (f *Ferry) initTracker() (services.Service, error) {
	var err error
	f.Tracker, err = tracker.New(context.Background(), f.Cfg.Tracker, util_log.Logger)
	if err != nil {
		return nil, err
	}

	return f.Tracker, nil
}

func (f *Ferry) initPipeline() (services.Service, error) {
	var err error
	f.Pipeline, err = pipeline.New(context.Background(), f.Cfg.Pipeline, f.Tracker, f.Registerer, util_log.Logger)
	if err != nil {
		return nil, err
	}

	return f.Pipeline, nil
}

func (f *Ferry) initAPI() (services.Service, error) {
	var err error
	f.API, err = api.New(f.Cfg.Server, f.Pipeline, f.Tracker, f.Registerer, f.Gatherer, util_log.Logger)
	if err != nil {
		return nil, err
	}

	return f.API, nil
}

func (f *Ferry) initIntake() (services.Service, error) {
	if f.Cfg.Intake.Dir == "" {
		level.Debug(util_log.Logger).Log("msg", "spool intake disabled")
		return nil, nil
	}

	var err error
	f.Intake, err = intake.New(f.Cfg.Intake, f.Pipeline, f.Registerer, util_log.Logger)
	if err != nil {
		return nil, err
	}

	return f.Intake, nil
}

func (f *Ferry) setupModuleManager() error {
	mm := modules.NewManager(util_log.Logger)

	mm.RegisterModule(Tracker, f.initTracker, modules.UserInvisibleModule)
	mm.RegisterModule(Pipeline, f.initPipeline)
	mm.RegisterModule(API, f.initAPI)
	mm.RegisterModule(Intake, f.initIntake)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Pipeline: {Tracker},
		API:      {Pipeline},
		Intake:   {Pipeline},
		All:      {API, Intake},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	f.ModuleManager = mm
	return nil
}
