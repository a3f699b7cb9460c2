// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// upfd is the user-plane daemon: data-plane workers, the PFCP control
// channel, the Prometheus endpoint and the administrative socket.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/classify"
	"github.com/emflex/upf/internal/cli"
	"github.com/emflex/upf/internal/config"
	"github.com/emflex/upf/internal/flowtable"
	"github.com/emflex/upf/internal/logging"
	"github.com/emflex/upf/internal/metrics"
	"github.com/emflex/upf/internal/pfcp"
	"github.com/emflex/upf/internal/rcu"
	"github.com/emflex/upf/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	adminSocket := flag.String("admin-socket", "/tmp/upfd.sock", "administrative command socket")
	trace := flag.Bool("trace", false, "record per-packet classifier traces")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upfd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	if err := run(cfg, *adminSocket, *trace, logger); err != nil && err != context.Canceled {
		logger.Error("upfd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, adminSocket string, trace bool, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	domain := rcu.New(cfg.Workers)
	apps := adf.NewRegistry(domain)
	sessions := session.NewRegistry(domain)
	apps.SetRebuildHook(sessions.UpdateAppHandles)

	flowMain := flowtable.NewMain(cfg.FlowTable.MaxFlows, cfg.FlowTable.CacheSize,
		uint32(cfg.FlowTable.DefaultLifetime))

	cls := classify.New(sessions, domain, flowMain, m)
	cls.SetTracing(trace)

	workers := make([]*classify.Worker, cfg.Workers)
	rings := make([]*flowtable.Ring, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w := cls.NewWorker(i)
		workers[i] = w
		rings[i] = w.Flows.Ring()
		go func() {
			if err := w.Run(ctx, nil); err != nil && err != context.Canceled {
				logger.Error("worker exited", "err", err)
			}
		}()
	}
	logger.Info("workers started", "count", cfg.Workers)

	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		logger.Info("metrics endpoint up", "address", cfg.Metrics.Address)
	}

	env := cli.NewEnv(apps, flowMain)
	env.FlowDump = flowDumper(apps, workers)
	go serveAdmin(ctx, adminSocket, env, logger)

	server := pfcp.New(cfg.PFCP, sessions, apps, cls, rings, m)
	return server.Run(ctx)
}

// flowDumper renders every worker's live flows, the moral equivalent
// of the original's per-session flow walk.
func flowDumper(apps *adf.Registry, workers []*classify.Worker) func(io.Writer) {
	return func(out io.Writer) {
		for i, w := range workers {
			fmt.Fprintf(out, "worker %d:\n", i)
			w.Flows.Each(func(e *flowtable.Entry) {
				appName := "None"
				if app, ok := apps.App(e.AppIndex); ok {
					appName = app.Name
				}
				fmt.Fprintf(out, "%d: proto 0x%x, %s(%d) <-> %s(%d), "+
					"init pkt %d, resp pkt %d, "+
					"initiator PDR %d, responder PDR %d, app %s\n",
					e.FlowID, e.Sig.Proto,
					e.Sig.SrcAddr, e.Sig.SrcPort,
					e.Sig.DstAddr, e.Sig.DstPort,
					e.Stats[0].Pkts, e.Stats[1].Pkts,
					e.InitiatorPDR, e.ResponderPDR, appName)
			})
		}
	}
}

// serveAdmin runs the line-based administrative socket.
func serveAdmin(ctx context.Context, path string, env *cli.Env, logger *logging.Logger) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		logger.Error("admin socket unavailable", "path", path, "err", err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(path)
	}()
	logger.Info("admin socket up", "path", path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			sc := bufio.NewScanner(c)
			for sc.Scan() {
				if err := env.Execute(ctx, sc.Text(), c); err != nil {
					fmt.Fprintf(c, "error: %v\n", err)
				} else {
					fmt.Fprintln(c, "ok")
				}
			}
		}(conn)
	}
}
