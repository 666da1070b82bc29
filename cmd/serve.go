package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whatsapp-relay/internal/config"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Minute
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	return cmd
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run behind an AWS Lambda function URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runLambda(cmd.Context(), cfg)
		},
	}
}

func runServer(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, false)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", cfg.Addr, "store", cfg.StoreBackend, "llm", cfg.LLMProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		a.logger.Info("shutting down")
		errs := []error{srv.Shutdown(shutdownCtx)}
		// In-flight replies are finished before exit.
		errs = append(errs, a.dispatcher.Close(shutdownCtx))
		return errors.Join(errs...)
	})
	if a.memory != nil {
		g.Go(func() error {
			a.memory.RunSweeper(gctx, sweepInterval)
			return nil
		})
	}
	return g.Wait()
}

func runLambda(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	if a.memory != nil {
		a.logger.Warn("memory store in lambda mode: state is per execution environment")
	}
	lambdaurl.Start(a.handler)
	return nil
}
