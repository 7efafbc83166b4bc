package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odvcencio/repohost/internal/config"
	"github.com/odvcencio/repohost/internal/service"
	"github.com/spf13/cobra"
)

// withRepoService runs fn against the configured storage. Locks are held
// in process only, so maintenance should run while the server is stopped.
func withRepoService(cmd *cobra.Command, fn func(ctx context.Context, repos *service.RepoService) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return runWithRepoService(cmd.Context(), cfg, logger, fn)
}

func runWithRepoService(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(ctx context.Context, repos *service.RepoService) error) error {
	db, err := openMigratedDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	repos := service.NewRepoService(db, cfg.Storage.Path, cfg.Storage.DefaultBranch, logger)
	defer repos.Close()
	return fn(ctx, repos)
}

func newGcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <slug>",
		Short: "Repack a repository's objects into a single pack",
		Long:  "Repack a repository's objects into a single pack. Run it while the server is stopped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepoService(cmd, func(ctx context.Context, repos *service.RepoService) error {
				stats, err := repos.Repack(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if stats.Objects == 0 {
					fmt.Fprintln(out, "nothing to pack")
					return nil
				}
				fmt.Fprintf(out, "packed %d object(s) into pack-%s (removed %d loose object(s), %d pack(s))\n",
					stats.Objects, stats.Pack, stats.LooseRemoved, stats.PacksRemoved)
				return nil
			})
		},
	}
}

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck <slug>",
		Short: "Verify every object and reference of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepoService(cmd, func(ctx context.Context, repos *service.RepoService) error {
				report, err := repos.Fsck(ctx, args[0])
				if report != nil {
					out := cmd.OutOrStdout()
					for _, h := range report.Corrupt {
						fmt.Fprintf(out, "corrupt object %s\n", h)
					}
					for _, name := range report.BrokenRefs {
						fmt.Fprintf(out, "broken ref %s\n", name)
					}
					fmt.Fprintf(out, "checked %d object(s)\n", report.Objects)
				}
				return err
			})
		},
	}
}
