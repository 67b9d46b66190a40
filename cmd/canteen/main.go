// Command canteen runs one node of a peer-coordinated container scheduler.
//
// The node gossips heartbeats with its peers, registers itself with the
// coordination registry and keeps the local docker daemon running the
// image the registry assigns to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dd0wney/canteen/pkg/config"
	"github.com/dd0wney/canteen/pkg/health"
	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/membership"
	"github.com/dd0wney/canteen/pkg/metrics"
	"github.com/dd0wney/canteen/pkg/scheduler"
	"github.com/dd0wney/canteen/pkg/status"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "canteen: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	logging.SetDefaultLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("canteen failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.DefaultRegistry()

	reg, regPing, err := openRegistry(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	tr, info := newTransport(cfg, logger)
	dir := membership.New(membershipConfig(cfg), tr, logger, membership.WithMetrics(m))
	if err := dir.Start(ctx); err != nil {
		return err
	}
	if err := logMembershipEvents(ctx, dir, logger); err != nil {
		return err
	}

	sched := scheduler.New(schedulerConfig(cfg), reg, rt, dir, logger, scheduler.WithMetrics(m))
	if err := sched.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
		defer cancel()
		dir.Stop(stopCtx)
		return err
	}

	var srv *status.Server
	if cfg.Status.Enabled {
		hc := newHealthChecker(dir, sched, rt, regPing)
		opts := []status.Option{
			status.WithWorkload(sched),
			status.WithHealth(hc),
			status.WithMetrics(m),
		}
		if info != nil {
			opts = append(opts, status.WithTransport(info))
		}
		srv = status.New(dir, logger, opts...)
		if err := srv.Start(cfg.Status.Addr); err != nil {
			logger.Warn("status server disabled", logging.Error(err))
			srv = nil
		}
	}

	go refreshSystemMetrics(ctx, m, 15*time.Second)

	logger.Info("canteen running",
		logging.Host(dir.Host()),
		logging.Peer(dir.PeerID()),
		logging.String("transport", cfg.Transport.Kind),
		logging.String("registry", cfg.Registry.Kind),
		logging.String("namespace", cfg.Registry.Namespace))

	<-ctx.Done()
	logger.Info("shutting down")

	return shutdown(cfg.StopTimeout, logger, sched, srv, dir)
}

// shutdown stops the scheduler, removes the bound container, then leaves
// the cluster. Every step runs even if an earlier one fails.
func shutdown(timeout time.Duration, logger logging.Logger, sched *scheduler.Scheduler, srv *status.Server, dir *membership.Directory) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := sched.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status server: %w", err))
		}
	}
	if err := dir.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Warn("shutdown incomplete", logging.Error(err))
	} else {
		logger.Info("shutdown complete")
	}
	return err
}

func newHealthChecker(dir *membership.Directory, sched *scheduler.Scheduler, rt pinger, reg pinger) *health.HealthChecker {
	hc := health.NewHealthChecker()

	hc.RegisterCheck("membership", health.MembershipCheck(func() (bool, int, int) {
		return dir.Running(), len(dir.Members()), dir.Connections()
	}))
	hc.RegisterLivenessCheck("membership", health.PingCheck("membership", func(context.Context) error {
		if !dir.Running() {
			return membership.ErrStopped
		}
		return nil
	}))

	hc.RegisterReadinessCheck("runtime", health.PingCheck("runtime", rt.Ping))
	if reg != nil {
		hc.RegisterReadinessCheck("registry", health.PingCheck("registry", reg.Ping))
	}

	hc.RegisterCheck("binding", health.BindingCheck(func() (string, string) {
		bound := ""
		if b, ok := sched.Binding(); ok && b.Running {
			bound = b.Image
		}
		return sched.LastApplied().Image, bound
	}))

	return hc
}
