/*
Copyright 2024 Netprobe Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command netprobed runs the network diagnostics control plane: the
// admission engine, the node fabric, the dispatcher, the scheduler and
// the HTTP control surface, all in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/lib/admission"
	"github.com/netprobe/netprobe/lib/config"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/dispatch"
	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/identity"
	"github.com/netprobe/netprobe/lib/registry"
	"github.com/netprobe/netprobe/lib/scheduler"
	"github.com/netprobe/netprobe/lib/services/local"
	"github.com/netprobe/netprobe/lib/tiers"
	"github.com/netprobe/netprobe/lib/utils"
	"github.com/netprobe/netprobe/lib/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("netprobed failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("netprobed", "Netprobe network diagnostics control plane.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the control plane.").Default()
	configPath := start.Flag("config", "Path to a YAML configuration file.").Short('c').String()
	listenAddr := start.Flag("listen-addr", "HTTP listen address, overrides the config file.").String()
	debug := start.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case version.FullCommand():
		fmt.Printf("netprobed v%v\n", netprobe.Version)
		return nil
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *listenAddr, *debug))
	}
	return nil
}

func onStart(configPath, listenAddr string, debug bool) error {
	fc := &config.FileConfig{}
	if configPath != "" {
		var err error
		fc, err = config.ReadFromFile(configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	} else if err := fc.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if listenAddr != "" {
		fc.ListenAddr = listenAddr
	}

	utils.InitLogger(log.InfoLevel)
	fc.ApplyLogLevel()
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := local.NewService()
	catalog, err := tiers.NewCatalog(ctx, tiers.CatalogConfig{Tiers: backend})
	if err != nil {
		return trace.Wrap(err)
	}
	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Identity:      backend,
		Tiers:         catalog,
		JWTSigningKey: []byte(fc.Auth.JWTSigningKey),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	engine, err := admission.NewEngine(admission.Config{
		Usage:         backend,
		MaxQueue:      fc.Admission.MaxQueue,
		QueueTimeout:  fc.Admission.QueueTimeout.Get(),
		SweepInterval: fc.Admission.SweepInterval.Get(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer engine.Close()

	reg, err := registry.NewRegistry(registry.Config{Backend: backend})
	if err != nil {
		return trace.Wrap(err)
	}
	controller, err := fabric.NewController(fabric.ControllerConfig{
		Registry:       reg,
		AuthTimeout:    fc.Nodes.AuthTimeout.Get(),
		StaleThreshold: fc.Nodes.StaleThreshold(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Nodes:          backend,
		Sessions:       controller,
		Stats:          reg,
		StaleThreshold: fc.Nodes.StaleThreshold(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	sched, err := scheduler.NewScheduler(scheduler.Config{
		Probes:       backend,
		Identity:     backend,
		Tiers:        catalog,
		Admission:    engine,
		Runner:       dispatcher,
		TickInterval: fc.Scheduler.TickInterval.Get(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := web.NewHandler(web.Config{
		Identity:  resolver,
		Admission: engine,
		Runner:    dispatcher,
		Fabric:    controller,
		Registry:  reg,
		Scheduler: sched,
		Users:     backend,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	go catalog.Run(ctx)
	if fc.Scheduler.Disabled {
		log.Info("Scheduled probe loop is disabled.")
	} else {
		go sched.Run(ctx)
	}

	server := &http.Server{
		Addr:        fc.ListenAddr,
		Handler:     handler,
		IdleTimeout: defaults.HTTPIdleTimeout,
	}
	errC := make(chan error, 1)
	go func() {
		errC <- server.ListenAndServe()
	}()
	log.Infof("netprobed v%v listening on %v.", netprobe.Version, fc.ListenAddr)

	select {
	case err := <-errC:
		return trace.Wrap(err)
	case <-ctx.Done():
		log.Info("Shutting down.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
