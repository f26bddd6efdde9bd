package main

import (
	"fmt"
	"io"

	"github.com/danmuck/flashd/internal/config"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	printConfig bool
	validate    bool
	noInstaller bool
}

// parseFlags resolves the config and applies flags the caller set
// explicitly on top of it.
func parseFlags(args []string, stderr io.Writer) (config.Config, options, error) {
	var opts options
	var (
		devicePath  string
		tcpPort     int
		metricsAddr string
		scratchMB   int
		autoPart    bool
	)
	fs := pflag.NewFlagSet("flashd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to flashd.toml")
	fs.BoolVar(&opts.printConfig, "print-config", false, "print a config template and exit")
	fs.BoolVar(&opts.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&opts.noInstaller, "no-installer", false, "skip installer media probing")
	fs.StringVar(&devicePath, "device", "", "USB function endpoint path (empty string disables)")
	fs.IntVar(&tcpPort, "tcp-port", 0, "TCP port (negative disables)")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "status and metrics HTTP address")
	fs.IntVar(&scratchMB, "scratch-mb", 0, "download scratch buffer size in MiB")
	fs.BoolVar(&autoPart, "auto-partition", false, "partition the base device at startup when nodes are missing")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return config.Config{}, opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.printConfig {
		return config.Config{}, opts, nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, opts, err
	}
	if fs.Changed("device") {
		cfg.DevicePath = devicePath
	}
	if fs.Changed("tcp-port") {
		cfg.TCPPort = tcpPort
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if fs.Changed("scratch-mb") {
		cfg.ScratchMB = scratchMB
	}
	if fs.Changed("auto-partition") {
		cfg.AutoPartition = autoPart
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, opts, err
	}
	return cfg, opts, nil
}
