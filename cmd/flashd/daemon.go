package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/flashd/internal/auth"
	"github.com/danmuck/flashd/internal/commands"
	"github.com/danmuck/flashd/internal/config"
	"github.com/danmuck/flashd/internal/flash"
	"github.com/danmuck/flashd/internal/installer"
	"github.com/danmuck/flashd/internal/observability"
	"github.com/danmuck/flashd/internal/partition"
	"github.com/danmuck/flashd/internal/platform"
	"github.com/danmuck/flashd/internal/protocol/frame"
	"github.com/danmuck/flashd/internal/protocol/session"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/danmuck/flashd/internal/tools"
	"github.com/danmuck/flashd/internal/transport"
	"github.com/danmuck/flashd/internal/volume"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	cfg, opts, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.printConfig {
		_, err := fmt.Fprint(os.Stdout, config.Template)
		return err
	}
	if opts.validate {
		log.Info().Str("path", opts.configPath).Msg("configuration valid")
		return nil
	}

	d, err := newDaemon(ctx, cfg, hostSystem())
	if err != nil {
		return err
	}
	return d.run(ctx, !opts.noInstaller)
}

// system is the host surface the daemon drives; tests swap it out.
type system struct {
	rebooter platform.Rebooter
	syncer   platform.Syncer
	runner   tools.CommandRunner
	mounter  installer.Mounter
}

func hostSystem() system {
	return system{
		rebooter: platform.SystemRebooter{},
		syncer:   platform.SystemSyncer{},
		runner:   tools.ExecRunner{},
		mounter:  installer.SystemMounter{},
	}
}

type daemon struct {
	cfg        config.Config
	scratch    *session.Scratch
	cmds       *registry.Commands
	vars       *registry.Variables
	busy       *platform.Flag
	metrics    *observability.Metrics
	props      platform.Properties
	handlers   *commands.Handlers
	installer  *installer.Installer
	listener   *transport.Listener
	sessionCfg session.Config
}

func newDaemon(ctx context.Context, cfg config.Config, sys system) (*daemon, error) {
	scratch, err := session.NewScratch(cfg.ScratchBytes())
	if err != nil {
		return nil, fmt.Errorf("allocate scratch buffer: %w", err)
	}
	log.Info().Int("bytes", scratch.Cap()).Msg("scratch buffer allocated")

	d := &daemon{
		cfg:     cfg,
		scratch: scratch,
		cmds:    registry.NewCommands(),
		vars:    registry.NewVariables(),
		busy:    &platform.Flag{},
		metrics: observability.NewMetrics(),
		props:   platform.FileProperties{Dir: cfg.PropertiesDir},
	}
	if err := session.RegisterBuiltins(d.cmds, d.vars); err != nil {
		return nil, err
	}
	if err := commands.PublishVariables(d.vars, cfg.Product, cfg.Variables); err != nil {
		return nil, err
	}

	table, err := volume.LoadTable(cfg.FstabPath)
	if err != nil {
		log.Warn().Err(err).Msg("no volume table, only absolute flash paths resolve")
		table = volume.NewTable()
	}
	volumes := volume.NewManager(table, sys.runner)

	codecs, err := cfg.Codecs()
	if err != nil {
		return nil, err
	}
	pipeline := flash.NewPipeline(table, volumes, sys.syncer, flash.Options{
		ChunkSize:  cfg.ChunkSize,
		Decompress: codecs,
		OnFlash:    d.metrics.Flashed,
	})

	d.handlers = commands.New(ctx, commands.Deps{
		Commands:    d.cmds,
		Variables:   d.vars,
		Pipeline:    pipeline,
		Volumes:     volumes,
		Partitioner: partition.NewProvisioner(volumes),
		Syncer:      sys.syncer,
		Rebooter:    sys.rebooter,
		BaseDevice:  cfg.BaseDevice,
		Paths: commands.Paths{
			OTAPackage:      cfg.OTAPackage,
			RecoveryCommand: cfg.RecoveryCommand,
		},
		OnPartition: d.metrics.PartitionRun,
	})
	if err := d.handlers.Register(); err != nil {
		return nil, err
	}

	d.sessionCfg = session.Config{
		StagingPath: cfg.StagingPath,
		Limits:      frame.DefaultLimits(),
		Busy:        d.busy,
		Observer:    d.metrics,
	}
	if cfg.MountPartitions {
		d.sessionCfg.PrepareStaging = func(path string) error {
			return volumes.EnsureMounted(ctx, path)
		}
	}

	media := make([]installer.Medium, 0, len(cfg.InstallerMedia))
	for _, m := range cfg.InstallerMedia {
		media = append(media, installer.Medium{Device: m.Device, FSType: m.FSType})
	}
	d.installer = installer.New(d.cmds, cfg.InstallerMountPoint, media, scratch.Cap(), cfg.StagingPath)
	d.installer.Mounter = sys.mounter
	d.installer.Busy = d.busy
	d.installer.OnLine = d.metrics.InstallerCommand

	d.listener = transport.New(cfg.Transport(), d.serveSession, d.props)
	return d, nil
}

func (d *daemon) serveSession(rw io.ReadWriter) error {
	d.metrics.SessionAccepted()
	return session.New(rw, d.cmds, d.scratch, d.sessionCfg).Run()
}

// run provisions, replays installer media, then serves the wire protocol
// until ctx is done. The status server shares the lifetime.
func (d *daemon) run(ctx context.Context, withInstaller bool) error {
	if d.cfg.AutoPartition {
		d.autoPartition(ctx)
	}
	if withInstaller && len(d.cfg.InstallerMedia) > 0 {
		if err := d.installer.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("installer did not run")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.MetricsAddr != "" {
		var guard auth.Validator
		if d.cfg.MetricsToken != "" {
			guard = auth.StaticToken{Token: d.cfg.MetricsToken}
		}
		srv := observability.NewServer(d.cfg.MetricsAddr, d.cfg.CorsOrigins, guard, d.metrics, d.busy, d.vars)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return d.listener.Serve(gctx) })
	return g.Wait()
}

func (d *daemon) autoPartition(ctx context.Context) {
	if err := d.props.Set(platform.PropPartitioning, "1"); err != nil {
		log.Warn().Err(err).Msg("partitioning property not set")
	}
	created, err := d.handlers.AutoPartition(ctx)
	if err := d.props.Set(platform.PropPartitioning, "0"); err != nil {
		log.Warn().Err(err).Msg("partitioning property not cleared")
	}
	if err != nil {
		log.Error().Err(err).Msg("auto partitioning failed")
		return
	}
	log.Info().Bool("created", created).Msg("auto partitioning done")
}
