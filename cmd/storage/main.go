package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thswjdguq/deepsentinel/internal/storage"
)

var (
	host string
	port int
)

var rootCmd = &cobra.Command{
	Use:          "storage [flags] <baseDir>",
	Short:        "Run a blob storage node for the nw content service",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port <= 0 {
			return fmt.Errorf("port number must be positive, got %d", port)
		}
		baseDir := args[0]
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return fmt.Errorf("failed to create base directory: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		srv := storage.NewGRPCServer(baseDir)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			slog.Info("blob node listening", "addr", lis.Addr().String(), "base_dir", baseDir)
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("stopping blob node")
			srv.GracefulStop()
			return nil
		})
		if err := g.Wait(); err != nil && err != context.Canceled {
			return fmt.Errorf("storage server failed: %w", err)
		}
		return nil
	},
}

func main() {
	rootCmd.Flags().StringVar(&host, "host", "localhost", "Host address for the server")
	rootCmd.Flags().IntVar(&port, "port", 8090, "Port number for the server")

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
