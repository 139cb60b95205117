package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/crypto"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/scanner"
	"github.com/example/slot-scheduler/internal/target"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage user profiles in the credential store",
	}
	cmd.AddCommand(newProfileSetCmd())
	cmd.AddCommand(newProfileShowCmd())
	cmd.AddCommand(newProfileDeleteCmd())
	cmd.AddCommand(newProfileReadyCmd())
	return cmd
}

// withRepo runs fn against the migrated credential store.
func withRepo(ctx context.Context, fn func(cfg config.Config, repo *profiles.Repo) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(cfg, profiles.NewRepo(d))
}

// parseMonthDay reads MM/DD or MM-DD.
func parseMonthDay(s string) (scanner.MonthDay, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "/")
	t, err := time.Parse("01/02", s)
	if err != nil {
		return scanner.MonthDay{}, fmt.Errorf("invalid date %q (want MM/DD)", s)
	}
	md := scanner.MonthDay{Month: int(t.Month()), Day: t.Day()}
	if !md.Valid() {
		return scanner.MonthDay{}, fmt.Errorf("invalid date %q", s)
	}
	return md, nil
}

func newProfileSetCmd() *cobra.Command {
	var (
		userID             int64
		email, password    string
		city               string
		startDate, endDate string
	)

	c := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a profile (credentials and city are stored encrypted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseMonthDay(startDate)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			end, err := parseMonthDay(endDate)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			city = strings.ToLower(strings.TrimSpace(city))

			return withRepo(cmd.Context(), func(cfg config.Config, repo *profiles.Repo) error {
				sites, err := target.LoadSites(cfg.CitiesFile)
				if err != nil {
					return err
				}
				if _, ok := sites.Lookup(city); !ok {
					return fmt.Errorf("unknown city %q (known: %s)", city, strings.Join(sites.Cities(), ", "))
				}
				enc, err := crypto.New(cfg.EncryptionKey, cfg.EncryptionSalt)
				if err != nil {
					return err
				}

				p := profiles.Profile{
					UserID:     userID,
					StartMonth: start.Month,
					StartDay:   start.Day,
					FinalMonth: end.Month,
					FinalDay:   end.Day,
				}
				for _, f := range []struct {
					plain string
					dst   *string
				}{{email, &p.Username}, {password, &p.Password}, {city, &p.City}} {
					if *f.dst, err = enc.Encrypt(f.plain); err != nil {
						return err
					}
				}
				if err := repo.Upsert(cmd.Context(), p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved profile user_id=%d city=%s window=%s-%s\n", userID, city, start, end)
				return nil
			})
		},
	}

	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	c.Flags().StringVar(&email, "email", "", "login email at the target service")
	c.Flags().StringVar(&password, "password", "", "login password at the target service")
	c.Flags().StringVar(&city, "city", "", "city key (see CITIES_FILE)")
	c.Flags().StringVar(&startDate, "start", "", "first acceptable date MM/DD")
	c.Flags().StringVar(&endDate, "end", "", "last acceptable date MM/DD")
	for _, f := range []string{"user-id", "email", "password", "city", "start", "end"} {
		_ = c.MarkFlagRequired(f)
	}
	return c
}

func newProfileShowCmd() *cobra.Command {
	var userID int64
	c := &cobra.Command{
		Use:   "show",
		Short: "Show a profile's scan state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(cfg config.Config, repo *profiles.Repo) error {
				p, err := repo.Load(cmd.Context(), userID)
				if err != nil {
					return err
				}
				enc, err := crypto.New(cfg.EncryptionKey, cfg.EncryptionSalt)
				if err != nil {
					return err
				}
				email, _ := decryptOrEmpty(enc, p.Username)
				city, _ := decryptOrEmpty(enc, p.City)

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "user_id=%d email=%s city=%s window=%s-%s ready=%t\n", p.UserID, email, city,
					scanner.MonthDay{Month: p.StartMonth, Day: p.StartDay}, scanner.MonthDay{Month: p.FinalMonth, Day: p.FinalDay}, p.Ready())
				fmt.Fprintf(out, "active=%t attempts=%d token=%t started=%s last_poll=%s\n", p.IsActive, p.Attempts, p.AuthToken != "",
					fmtTime(p.StartTime, cfg.Location), fmtTime(p.LastRequest, cfg.Location))
				return nil
			})
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newProfileDeleteCmd() *cobra.Command {
	var userID int64
	c := &cobra.Command{
		Use:   "delete",
		Short: "Delete a profile and its success records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(_ config.Config, repo *profiles.Repo) error {
				if err := repo.Delete(cmd.Context(), userID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted profile user_id=%d\n", userID)
				return nil
			})
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newProfileReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List users whose profile is complete enough to scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(_ config.Config, repo *profiles.Repo) error {
				ids, err := repo.ReadyUserIDs(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func decryptOrEmpty(enc *crypto.AEAD, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return enc.Decrypt(s)
}

func fmtTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format(time.RFC3339)
}
