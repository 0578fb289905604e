// Package api exposes submission intake and status queries over HTTP.
package api

import (
	"context"
	"flag"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/ingest/validator"
	"github.com/gin-gonic/gin"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	ListenAddress   string        `yaml:"listen_address"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.ListenAddress, flagPrefix+"listen-address", ":8000", `HTTP listen address.`)
	f.Int64Var(&c.MaxUploadBytes, flagPrefix+"max-upload-bytes", 10<<20, `Max accepted request body size. 0 disables the check.`)
	f.DurationVar(&c.ReadTimeout, flagPrefix+"read-timeout", 30*time.Second, `HTTP server read timeout.`)
	f.DurationVar(&c.ShutdownTimeout, flagPrefix+"shutdown-timeout", 10*time.Second, `Time to finish in-flight requests on shutdown.`)
}

// Submitter accepts payloads for background processing.
type Submitter interface {
	Submit(ctx context.Context, submissionID string, format ingest.Format, payload []byte) (string, error)
}

// StatusReader returns the current view of a submission.
type StatusReader interface {
	Snapshot(ctx context.Context, submissionID string) (*record.Snapshot, error)
}

type API struct {
	services.Service

	cfg Config
	log gklog.Logger

	submitter Submitter
	status    StatusReader
	validator *validator.Validator

	engine *gin.Engine
	srv    *http.Server

	requestDuration *prometheus.HistogramVec
}

func New(cfg Config, submitter Submitter, status StatusReader, reg prometheus.Registerer, gatherer prometheus.Gatherer, log gklog.Logger) (*API, error) {
	log = gklog.With(log, "service", "api")

	v, err := validator.New()
	if err != nil {
		return nil, errors.Wrap(err, "api: init validator")
	}

	a := &API{
		cfg: cfg,
		log: log,

		submitter: submitter,
		status:    status,
		validator: v,

		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ferry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
	}

	a.engine = gin.New()
	a.engine.Use(gin.Recovery(), a.instrument())
	a.setupRoutes(gatherer)

	a.srv = &http.Server{
		Addr:        cfg.ListenAddress,
		Handler:     a.engine,
		ReadTimeout: cfg.ReadTimeout,
	}
	a.Service = services.NewIdleService(a.start, a.stop)

	return a, nil
}

func (a *API) setupRoutes(gatherer prometheus.Gatherer) {
	a.engine.GET("/", a.rootHandler)
	a.engine.POST("/process", a.processHandler)
	a.engine.GET("/status/:submission_id", a.statusHandler)
	a.engine.POST("/validate", a.validateHandler)
	if gatherer != nil {
		a.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler is the routed engine, without the listening server.
func (a *API) Handler() http.Handler {
	return a.engine
}

func (a *API) start(_ context.Context) error {
	l, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "api: listen")
	}

	go func() {
		if err := a.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(a.log).Log("msg", "http server stopped", "err", err)
		}
	}()

	level.Info(a.log).Log("msg", "http server listening", "addr", l.Addr().String())
	return nil
}

func (a *API) stop(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "api: shutdown")
	}

	return nil
}

func (a *API) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		took := time.Since(start)

		a.requestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(took.Seconds())
		level.Debug(a.log).Log("msg", "request", "method", c.Request.Method, "route", route, "status", status, "took", took)
	}
}
