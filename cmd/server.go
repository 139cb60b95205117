package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/crypto"
	"github.com/example/slot-scheduler/internal/dedup"
	"github.com/example/slot-scheduler/internal/notify"
	"github.com/example/slot-scheduler/internal/profiles"
	"github.com/example/slot-scheduler/internal/registry"
	"github.com/example/slot-scheduler/internal/scanner"
	"github.com/example/slot-scheduler/internal/scheduler"
	"github.com/example/slot-scheduler/internal/target"
	"github.com/example/slot-scheduler/internal/web"
)

const shutdownTimeout = 30 * time.Second

func newServerCmd() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the control API, the scan sessions and the daily reschedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			enc, err := crypto.New(cfg.EncryptionKey, cfg.EncryptionSalt)
			if err != nil {
				return err
			}
			sites, err := target.LoadSites(cfg.CitiesFile)
			if err != nil {
				return fmt.Errorf("cities: %w", err)
			}
			repo := profiles.NewRepo(d)

			notifiers := notify.Multi{notify.NewLog(log)}
			var claims scanner.Claimer
			if cfg.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
				defer rdb.Close()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis ping: %w", err)
				}
				claims = dedup.NewRedis(rdb, "slotsched:claim:", cfg.ClaimTTL)
				notifiers = append(notifiers, notify.NewRedis(rdb, cfg.ResultsChannel))
			} else {
				log.Warn("REDIS_ADDR unset, slot claims are local to this process")
				claims = dedup.NewLocal(cfg.ClaimTTL)
			}

			deps := scanner.Deps{
				Store:    repo,
				Crypto:   enc,
				Claims:   claims,
				Target:   target.New(cfg.TargetBaseURL, cfg.TargetTimeout),
				Sites:    sites,
				Notifier: notifiers,
				Logger:   log,
				Retry:    scanner.UnboundedRetry(),
				Delays:   scanner.DefaultDelays(),
				Location: cfg.Location,
			}
			reg := registry.New(func(userID int64) registry.Runner {
				return scanner.NewSession(deps, userID)
			}, repo, notifiers, log)

			// active flags describe sessions of a previous process; none survive a restart
			wasActive, err := repo.ActiveUserIDs(ctx)
			if err != nil {
				return err
			}
			if err := repo.ResetActive(ctx); err != nil {
				return err
			}
			if resume {
				for _, id := range wasActive {
					if err := reg.Start(ctx, id); err != nil {
						log.Warn("resume", zap.Int64("user_id", id), zap.Error(err))
					}
				}
				log.Info("resumed sessions", zap.Int("count", len(reg.Active())))
			} else if len(wasActive) > 0 {
				log.Info("previously active sessions not resumed", zap.Int64s("user_ids", wasActive))
			}

			s := &scheduler.Scheduler{
				Registry: reg,
				Spec:     cfg.RescheduleCron,
				Location: cfg.Location,
				Logger:   log,
			}
			if err := s.Validate(); err != nil {
				return err
			}
			schedErr := make(chan error, 1)
			go func() { schedErr <- s.Run(ctx) }()

			ws := &web.Server{
				Auth:      auth.NewStore(auth.NewPGOperators(d), cfg.CookieHashKey, cfg.CookieBlockKey),
				Profiles:  repo,
				Registry:  reg,
				Login:     scanner.NewAuthenticator(deps),
				Notifier:  notifiers,
				Logger:    log.Named("web"),
				RateLimit: rate.Limit(cfg.APIRateLimit),
				RateBurst: cfg.APIRateBurst,
			}
			serveErr := web.Start(ctx, cfg.ListenAddr, ws.Routes(), log)
			cancel()

			// sessions keep their active flag so --resume can restart them
			stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := reg.Close(stopCtx); err != nil {
				log.Error("sessions did not stop in time", zap.Error(err))
			}
			if err := <-schedErr; err != nil && !errors.Is(err, context.Canceled) {
				log.Error("scheduler", zap.Error(err))
			}
			log.Info("shutdown complete")
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "restart sessions that were active when the previous process stopped")
	return cmd
}
