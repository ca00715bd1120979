// Package cli holds the plumbing shared by the netprobe commands: the cobra
// root command, configuration loading, logging and the metrics server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kataras/golog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/netprobe"
	"github.com/smallnest/netprobe/internal/config"
)

const shutdownTimeout = 5 * time.Second

// RunFunc is the body of a command. ctx is cancelled on SIGINT or SIGTERM.
type RunFunc func(ctx context.Context, env *Env, args []string) error

// Env is handed to every command body.
type Env struct {
	Config  *config.Config
	Metrics *netprobe.Metrics
	Log     *golog.Logger
}

// NewCommand returns a root command that loads the configuration, sets up
// logging and metrics, and then calls run. addFlags registers the command
// specific flags.
func NewCommand(use, short string, run RunFunc, addFlags ...func(*cobra.Command)) *cobra.Command {
	var cfgFile string
	var showConfig bool

	cmd := &cobra.Command{
		Use:          use,
		Short:        short,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if showConfig {
				return cfg.Write(cmd.OutOrStdout())
			}
			SetupLogging(cfg.Log.Level)

			env := &Env{
				Config:  cfg,
				Metrics: netprobe.NewMetrics(),
				Log:     golog.Default,
			}
			return Run(cmd.Context(), env.Config.Metrics.Addr, env.Metrics, func(ctx context.Context) error {
				return run(ctx, env, args)
			})
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./netprobe.yaml)")
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective configuration and exit")
	config.AddLogFlags(cmd.Flags())
	config.AddOutputFlags(cmd.Flags())
	for _, add := range addFlags {
		add(cmd)
	}
	return cmd
}

// Execute runs cmd and exits with status 1 on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// SetupLogging sets the level of the default logger and its children.
func SetupLogging(level string) {
	golog.SetLevel(level)
}

// Run calls work and, when addr is not empty, serves the metrics on addr
// until work returns. The context passed to work is cancelled on SIGINT,
// SIGTERM or when the metrics server fails.
func Run(ctx context.Context, addr string, metrics *netprobe.Metrics, work func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})

	if addr != "" && metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			golog.Infof("serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-finished:
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer close(finished)
		return work(ctx)
	})
	return g.Wait()
}
