package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ValerySidorin/ferry/pkg/ferry"
	util_log "github.com/ValerySidorin/ferry/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	configFileOption = "config.file"
	configExpandEnv  = "config.expand-env"
)

func main() {
	// .env is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		fmt.Fprintf(os.Stderr, "error loading .env: %v\n", err)
		os.Exit(1)
	}

	var cfg ferry.Config
	configFile, expandEnv := parseConfigFileParameter(os.Args[1:])

	fs := flag.CommandLine
	cfg.RegisterFlags(fs)
	fs.String(configFileOption, "", "Configuration file to load.")
	fs.Bool(configExpandEnv, false, "Expands ${var} references in the config file with environment variables.")

	if configFile != "" {
		if err := ferry.LoadConfig(configFile, expandEnv, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}

	// flags override the config file
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	util_log.InitLogger(&cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f, err := ferry.New(cfg, reg, reg)
	util_log.CheckFatal("initializing ferry", err)

	level.Info(util_log.Logger).Log("msg", "starting ferry", "target", cfg.Target)

	err = f.Run()
	util_log.CheckFatal("running ferry", err)
}

// parseConfigFileParameter peeks at -config.file before the other flags are parsed.
func parseConfigFileParameter(args []string) (configFile string, expandEnv bool) {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&expandEnv, configExpandEnv, false, "")

	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	return
}
