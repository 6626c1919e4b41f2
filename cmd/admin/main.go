package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thswjdguq/deepsentinel/internal/resource"
	"github.com/thswjdguq/deepsentinel/internal/storage"
)

var region string

var rootCmd = &cobra.Command{
	Use:          "admin",
	Short:        "Administer DeepSentinel owners and storage nodes",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

var ownerCmd = &cobra.Command{
	Use:   "owner",
	Short: "Manage the owner directory",
}

var ownerAddFlags struct {
	id    string
	name  string
	email string
}

var ownerAddCmd = &cobra.Command{
	Use:     "add METADATA_TYPE METADATA_OPTIONS",
	Short:   "Add or replace an owner",
	Example: "  admin owner add --name Ada --email ada@example.com sqlite db.db",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ownerAddFlags.name == "" {
			return fmt.Errorf("--name is required")
		}
		id := ownerAddFlags.id
		if id == "" {
			id = uuid.NewString()
		}

		ctx := cmd.Context()
		repo, err := resource.Open(ctx, args[0], args[1], region)
		if err != nil {
			return fmt.Errorf("failed to open %s metadata service: %w", args[0], err)
		}
		if c, ok := repo.(io.Closer); ok {
			defer c.Close()
		}
		dir, ok := repo.(resource.OwnerDirectory)
		if !ok {
			return fmt.Errorf("metadata service %s has no owner directory", args[0])
		}

		owner := resource.Owner{ID: id, Name: ownerAddFlags.name, Email: ownerAddFlags.email}
		if err := dir.PutOwner(ctx, owner); err != nil {
			slog.Error("PutOwner failed", "id", id, "error", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Owner %s saved (%s)\n", id, owner.Name)
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect blob storage nodes",
}

var pingTimeout time.Duration

var nodesPingCmd = &cobra.Command{
	Use:   "ping NODE_ADDRESS...",
	Short: "Check that storage nodes answer and report their blob counts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
		defer cancel()

		results := make([]string, len(args))
		g, gctx := errgroup.WithContext(ctx)
		for i, addr := range args {
			g.Go(func() error {
				client, err := storage.Dial(addr)
				if err != nil {
					return fmt.Errorf("failed to connect to %s: %w", addr, err)
				}
				defer client.Close()

				res, err := client.Ping(gctx)
				if err != nil {
					return fmt.Errorf("ping %s failed: %w", addr, err)
				}
				results[i] = fmt.Sprintf("  - %s: %d blobs in %s", addr, res.Blobs, res.BaseDir)
				return nil
			})
		}
		err := g.Wait()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Storage nodes:")
		for i, line := range results {
			if line == "" {
				line = fmt.Sprintf("  - %s: unreachable", args[i])
			}
			fmt.Fprintln(out, line)
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&region, "region", "us-west-2", "AWS region for the dynamodb metadata service")

	ownerAddCmd.Flags().StringVar(&ownerAddFlags.id, "id", "", "Owner id (generated when empty)")
	ownerAddCmd.Flags().StringVar(&ownerAddFlags.name, "name", "", "Display name")
	ownerAddCmd.Flags().StringVar(&ownerAddFlags.email, "email", "", "Contact email")
	ownerCmd.AddCommand(ownerAddCmd)

	nodesPingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "Timeout for all probes")
	nodesCmd.AddCommand(nodesPingCmd)

	rootCmd.AddCommand(ownerCmd, nodesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
