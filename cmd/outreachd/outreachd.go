package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/beakon/outreach/internal/config"
	"github.com/beakon/outreach/internal/dao"
	"github.com/beakon/outreach/internal/dispatch"
	"github.com/beakon/outreach/internal/mailbox"
	"github.com/beakon/outreach/internal/metrics"
	"github.com/beakon/outreach/internal/notify"
	"github.com/beakon/outreach/internal/pattern"
	"github.com/beakon/outreach/internal/reconcile"
	"github.com/beakon/outreach/internal/scheduler"
	"github.com/beakon/outreach/internal/transport"
	"github.com/beakon/outreach/internal/web"
	"github.com/beakon/outreach/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {

	app := &cli.App{
		Name:   "outreachd",
		Usage:  "a service for scheduling, sending and reconciling outbound email",
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: start,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func start(c *cli.Context) error {

	cfg := config.Get()

	root := tools.NewRootLogger(cfg.LogLevel)
	cloner := tools.LoggerCloner(root)
	l := cloner.New("outreachd")

	l.Info("starting server")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		l.WithError(err).Fatal("could not open database")
	}

	counters := metrics.New()
	clock := tools.SystemClock()

	var notifier notify.Notifier = notify.NewBus()
	if cfg.NatsURI != "" {
		natsNotifier, err := notify.NewNATS(cfg.NatsURI, cloner.New("nats"))
		if err != nil {
			l.WithError(err).Fatal("could not connect to nats")
		}
		defer natsNotifier.Close()
		notifier = notify.Multi{notifier, natsNotifier}
	}

	sched := scheduler.New(db, scheduler.Config{
		BusinessHours: pattern.BusinessHours{
			StartHour: cfg.BusinessHoursStart,
			EndHour:   cfg.BusinessHoursEnd,
		},
		FollowUpAfter: cfg.FollowUpAfter,
		FollowUpDelay: cfg.FollowUpDelay,
	}, clock, cloner.New("scheduler"))

	disp := dispatch.New(db, transport.NewSMTP(), dispatch.Config{
		Interval: cfg.DispatchInterval,
		Pacing:   cfg.SendPacing,
	}, clock, cloner.New("dispatch"), counters)
	disp.Start()

	rec := reconcile.New(db, mailbox.NewDialer(), notifier, reconcile.Config{
		Interval:          cfg.ReconcileInterval,
		Window:            cfg.ReconcileWindow,
		LoosenedProviders: cfg.LoosenedProviders,
	}, clock, cloner.New("reconcile"), counters)
	rec.Start()

	server := web.New(db, sched, disp, rec, counters, web.Config{
		Port:            cfg.APIPort,
		AutoTLS:         cfg.APIAutoTLS,
		AutoTLSHost:     cfg.APIAutoTLSHost,
		MetricsUser:     cfg.MetricsUser,
		MetricsPassword: cfg.MetricsPassword,
	}, cloner.New("web"))
	go func() {
		err := server.Start()
		if err != nil {
			l.WithError(err).Error("http server stopped")
		}
	}()

	services := []Stoppable{disp, rec, server}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Info("shutdown complete")
	return nil
}
