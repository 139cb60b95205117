package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/profiles"
)

func newSuccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "success",
		Short: "Inspect booked slots",
	}
	cmd.AddCommand(newSuccessListCmd())
	return cmd
}

func newSuccessListCmd() *cobra.Command {
	var userID int64
	c := &cobra.Command{
		Use:   "list",
		Short: "List booked slots for a user, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(cfg config.Config, repo *profiles.Repo) error {
				list, err := repo.Successes(cmd.Context(), userID)
				if err != nil {
					return err
				}
				for _, s := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%02d/%02d %s attempts=%d at=%s\n",
						s.Month, s.Day, s.Time, s.Attempts, s.CreatedAt.In(cfg.Location).Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}
