package main

import (
	"context"
	"strconv"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/lagrangedao/go-computing-broker/conf"
	"github.com/lagrangedao/go-computing-broker/internal/api"
	"github.com/lagrangedao/go-computing-broker/internal/worker"
	"github.com/lagrangedao/go-computing-broker/util"
	"github.com/urfave/cli/v2"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the broker: HTTP API, settlement reconciler and celery worker",
	Action: func(cctx *cli.Context) error {
		logs.GetLogger().Info("Start in computing broker mode.")

		repo, err := repoPath(cctx)
		if err != nil {
			return err
		}
		if err := conf.InitConfig(repo); err != nil {
			return err
		}
		cfg := conf.GetConfig()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n, err := openNode(ctx, repo, cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		// settle anything a previous process left open before taking traffic
		if report, err := n.escrow.Reconcile(ctx); err != nil {
			logs.GetLogger().Errorf("Failed startup reconcile, error: %+v", err)
		} else {
			logs.GetLogger().Infof("startup reconcile, checked: %d, advanced: %d, flagged: %d", report.Checked, report.Advanced, report.Flagged)
		}
		go n.escrow.RunReconciler(ctx, cfg.ESCROW.ReconcileInterval.Duration)

		srv := api.NewServer(n.machine, n.rep, n.ledger, n.store, n.hub).WithHost(cfg.CHAIN.Mode, cfg.DB.Driver)
		handlers := []util.ShutdownHandler{}

		if n.pool != nil {
			celery, err := worker.NewCeleryService(n.pool, cfg.REDIS.Workers)
			if err != nil {
				return err
			}
			worker.NewTasks(n.machine, n.escrow, 0).Register(celery)
			celery.Start(ctx)
			srv.WithQueue(celery)
			handlers = append(handlers, util.ShutdownHandler{Component: "celery-worker", StopFunc: func(context.Context) error {
				celery.Stop()
				return nil
			}})
		}

		httpStopper, err := util.ServeHttp(srv.Router(cfg.API.Debug), "broker-api", ":"+strconv.Itoa(cfg.API.Port), cfg.API.CrtFile, cfg.API.KeyFile)
		if err != nil {
			logs.GetLogger().Fatalf("failed to start broker-api endpoint: %s", err)
		}
		logs.GetLogger().Infof("broker api listening on :%d", cfg.API.Port)

		handlers = append([]util.ShutdownHandler{{Component: "broker-api", StopFunc: httpStopper}}, handlers...)
		handlers = append(handlers, util.ShutdownHandler{Component: "reconciler", StopFunc: func(context.Context) error {
			cancel()
			return nil
		}})

		shutdownChan := make(chan struct{})
		finishCh := util.MonitorShutdown(shutdownChan, handlers...)
		<-finishCh

		return nil
	},
}
