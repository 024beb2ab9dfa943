// Command companion runs the voice companion without the desktop shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"companion/internal/bootstrap"
	"companion/internal/config"
	"companion/internal/domain"
	"companion/internal/logging"
	"companion/internal/ports"
	"companion/internal/providers/emotionapi"
	"companion/internal/statusserver"
)

var version = "dev"

type cli struct {
	cfg    config.Config
	logger *logging.Logger

	logLevel   string
	statusAddr string
	noStatus   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "companion",
		Short:        "Voice companion that listens, reads your tone, and talks back",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.logger != nil {
				return c.logger.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start listening and replying until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, cmd.OutOrStdout())
		},
	}
	run.Flags().StringVar(&c.statusAddr, "status-addr", "", "override the status server address")
	run.Flags().BoolVar(&c.noStatus, "no-status", false, "do not serve status over HTTP")

	probe := &cobra.Command{
		Use:   "probe",
		Short: "Check the emotion service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.probe(cmd.Context(), cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(run, probe, versionCmd)
	return root
}

func (c *cli) run(ctx context.Context, out io.Writer) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	sinks := []ports.EventSink{replyPrinter{out: out, log: c.logger.Component("cli")}}
	var server *statusserver.Server
	if !c.noStatus {
		addr := c.cfg.Status.Addr
		if c.statusAddr != "" {
			addr = c.statusAddr
		}
		server = statusserver.New(addr, c.logger.Logger, nil)
		sinks = append(sinks, server)
	}

	services, err := bootstrap.Build(c.cfg, c.logger.Logger, sinks...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		services.Orchestrator.Run(gctx)
		return nil
	})
	if server != nil {
		server.UseMetrics(services.Metrics)
		server.Attach(services.Orchestrator)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	g.Go(func() error {
		err := services.Orchestrator.Start(gctx)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("start conversation: %w", err)
		}
		return nil
	})

	c.logger.Info().Msg("listening, press Ctrl+C to quit")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *cli) probe(ctx context.Context, out io.Writer) error {
	services, err := bootstrap.Build(c.cfg, c.logger.Logger)
	if err != nil {
		return err
	}
	health, err := services.Emotion.Probe(ctx)
	if err != nil {
		return fmt.Errorf("emotion service unreachable: %w", err)
	}
	fmt.Fprintf(out, "emotion service at %s: %s\n", c.cfg.Emotion.BaseURL, health.Status)
	if !strings.EqualFold(health.Status, emotionapi.StatusHealthy) {
		return fmt.Errorf("emotion service reports %q", health.Status)
	}
	return nil
}

// replyPrinter writes replies to the terminal and logs the rest.
type replyPrinter struct {
	out io.Writer
	log zerolog.Logger
}

func (p replyPrinter) StatusChanged(status domain.Status) {
	p.log.Debug().Str("state", string(status.State)).Str("emotion", string(status.Emotion.Label)).Msg("status")
}

func (p replyPrinter) ReplyReady(turnID string, text string) {
	fmt.Fprintf(p.out, "> %s\n", text)
}

func (p replyPrinter) Error(code domain.ErrorCode, detail string) {
	p.log.Warn().Str("code", string(code)).Msg(detail)
}
