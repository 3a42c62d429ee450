package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	"github.com/bryanwahyu/automaton-hardening/internal/application/inventory"
	appscans "github.com/bryanwahyu/automaton-hardening/internal/application/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/application/schedule"
	"github.com/bryanwahyu/automaton-hardening/internal/config"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/httpserver"
	"github.com/bryanwahyu/automaton-hardening/internal/middleware"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API, the response listener, live notifications and the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), true, false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume scan requests and run rules over SSH",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), false, true)
	},
}

var allInOneCmd = &cobra.Command{
	Use:   "all-in-one",
	Short: "Run api and worker in one process (in-process broker unless redis is configured)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), true, true)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Dispatch one scan run and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		hosts, _ := cmd.Flags().GetInt64Slice("host")
		batch, _ := cmd.Flags().GetInt("batch-size")
		requestedBy, _ := cmd.Flags().GetString("requested-by")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.openDB(ctx); err != nil {
			return err
		}
		// a run dispatched on the in-process broker would reach no worker
		if err := a.openBroker(ctx, true); err != nil {
			return err
		}
		sum, err := a.coordinator().Start(ctx, appscans.StartCommand{
			HostIDs:     hosts,
			All:         all,
			BatchSize:   batch,
			RequestedBy: requestedBy,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.openDB(cmd.Context())
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Manage the host inventory",
}

var inventoryImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Seed workloads, rules and hosts from a yaml file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := inventory.Load(args[0])
		if err != nil {
			return err
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.openDB(cmd.Context()); err != nil {
			return err
		}
		res, err := inventory.Import(cmd.Context(), a.inventory, f)
		if err != nil {
			return err
		}
		a.log.Info().Int("workloads", res.Workloads).Int("rules", res.Rules).Int("hosts", res.Hosts).Msg("inventory imported")
		return nil
	},
}

// serve runs the long-lived components until SIGINT/SIGTERM.
func serve(parent context.Context, withAPI, withWorker bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openBroker(ctx, withWorker && !withAPI); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if withAPI {
		if err := startAPI(ctx, g, a); err != nil {
			return err
		}
	}
	if withWorker {
		w, err := a.worker()
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	err = g.Wait()
	a.log.Info().Msg("shut down")
	return err
}

func startAPI(ctx context.Context, g *errgroup.Group, a *app) error {
	if err := a.openDB(ctx); err != nil {
		return err
	}
	if err := a.openArchive(ctx); err != nil {
		return err
	}
	hub := a.newHub()
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	lis := a.listener()
	g.Go(func() error { return lis.Run(ctx) })

	coord := a.coordinator()
	deps := httpserver.Deps{
		Coordinator: coord,
		Compliance:  a.compliance(),
		Listener:    lis,
		Hub:         hub,
		Metrics:     a.metrics,
		Gatherer:    a.registry,
		Health:      a.healthChecks(),
		APIKeys:     a.cfg.Auth.APIKeys,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Heartbeat:   a.cfg.Notify.HeartbeatInterval,
		Log:         a.component("http"),
	}

	if a.cfg.Schedule.Enabled {
		hour, minute, err := config.ParseClock(a.cfg.Schedule.At)
		if err != nil {
			return err
		}
		sched := schedule.New(coord, hour, minute, a.cfg.Schedule.BatchSize, a.cfg.Schedule.RequestedBy,
			application.SystemClock{}, a.component("scheduler"))
		deps.Scheduler = sched
		g.Go(func() error { return sched.Run(ctx) })
	}
	if a.cfg.Server.RateLimit > 0 {
		rl := middleware.NewRateLimiter(a.cfg.Server.RateLimit, a.cfg.Server.RateBurst)
		deps.RateLimiter = rl
		g.Go(func() error {
			rl.Run(ctx, 5*time.Minute)
			return nil
		})
	}

	router, handler := httpserver.NewRouter(ctx, deps)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: SSE and websocket streams stay open
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		a.log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	// graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		router.Wait()
		return err
	})
	return nil
}
