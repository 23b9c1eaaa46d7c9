package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/config"
	"github.com/xxxsen/toolnav/internal/cooldown"
	"github.com/xxxsen/toolnav/internal/db"
	"github.com/xxxsen/toolnav/internal/handler"
	"github.com/xxxsen/toolnav/internal/job"
	"github.com/xxxsen/toolnav/internal/mailer"
	"github.com/xxxsen/toolnav/internal/metrics"
	"github.com/xxxsen/toolnav/internal/middleware"
	"github.com/xxxsen/toolnav/internal/pkg/password"
	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
	"github.com/xxxsen/toolnav/internal/repo"
	"github.com/xxxsen/toolnav/internal/schedule"
	"github.com/xxxsen/toolnav/internal/service"
)

type app struct {
	cfg      *config.Config
	db       *sql.DB
	verify   *service.VerificationService
	auth     *service.AuthService
	changes  *service.EmailChangeService
	closeFns []func()
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "toolnav",
		Short: "toolnav account security backend",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run http server and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, true)
			if err != nil {
				return err
			}
			defer a.close()
			return a.runServer()
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, false)
			if err != nil {
				return err
			}
			defer a.close()
			logutil.GetLogger(context.Background()).Info("migrations applied")
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "purge expired codes and settle elapsed email changes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, true)
			if err != nil {
				return err
			}
			defer a.close()
			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, j := range a.jobs() {
				if err := sched.Trigger(ctx, j.Name()); err != nil {
					return fmt.Errorf("%s: %w", j.Name(), err)
				}
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, migrateCmd, purgeCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func bootstrap(configPath string, withServices bool) (*app, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &app{cfg: cfg, db: conn, closeFns: []func(){func() { _ = conn.Close() }}}
	if err := db.ApplyMigrations(conn); err != nil {
		a.close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if !withServices {
		return a, nil
	}
	if err := a.initServices(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}

func (a *app) initCooldown(ctx context.Context, maxTTL time.Duration) (cooldown.Cache, error) {
	sec := a.cfg.Security
	if a.cfg.Redis.Addr == "" {
		logutil.GetLogger(ctx).Info("cooldown cache in process", zap.Int("size", sec.CooldownCacheSize))
		return cooldown.NewLRU(sec.CooldownCacheSize, maxTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closeFns = append(a.closeFns, func() { _ = client.Close() })
	logutil.GetLogger(ctx).Info("cooldown cache on redis", zap.String("addr", a.cfg.Redis.Addr))
	return cooldown.NewRedis(client, "toolnav:cooldown:"), nil
}

func (a *app) initServices() error {
	ctx := context.Background()
	sec := a.cfg.Security
	clock := timeutil.SystemClock{}
	resendCooldown := time.Duration(sec.ResendCooldownSeconds) * time.Second

	cache, err := a.initCooldown(ctx, resendCooldown)
	if err != nil {
		return err
	}
	sender, err := mailer.New(a.cfg.Mail)
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}

	codeRepo := repo.NewEmailVerificationRepo(a.db)
	userRepo := repo.NewUserRepo(a.db)
	changeRepo := repo.NewEmailChangeRepo(a.db)
	codec := password.NewBcryptCodec(sec.BcryptCost)

	throttle := service.NewSendThrottle(codeRepo, cache, clock, resendCooldown)
	a.verify = service.NewVerificationService(codeRepo, codec, clock, throttle, sender, service.VerificationOptions{
		CodeTTL:   time.Duration(sec.CodeTTLSeconds) * time.Second,
		Retention: time.Duration(sec.CodeRetentionHours) * time.Hour,
	})
	a.auth, err = service.NewAuthService(userRepo, changeRepo, a.verify, codec, clock, service.AuthOptions{
		JWTSecret:     []byte(a.cfg.JWTSecret),
		JWTTTL:        time.Duration(a.cfg.JWTTTLHours) * time.Hour,
		AllowRegister: sec.AllowRegister,
		Lockout:       service.NewLockoutPolicy(sec.LockoutThreshold, time.Duration(sec.LockoutMinutes)*time.Minute),
	})
	if err != nil {
		return err
	}
	a.changes = service.NewEmailChangeService(userRepo, changeRepo, a.verify, sender, clock, service.EmailChangeOptions{
		Window:    time.Duration(sec.RevocationWindowHours) * time.Hour,
		RevokeURL: sec.RevokeURL,
	})
	return nil
}

func (a *app) jobs() []schedule.Job {
	return []schedule.Job{
		job.NewVerificationPurgeJob(a.verify),
		job.NewEmailChangeSettleJob(a.changes),
	}
}

func (a *app) newScheduler() (*schedule.CronScheduler, error) {
	sched := schedule.NewCronScheduler()
	specs := map[string]string{
		"verification_purge":  a.cfg.Schedule.PurgeSpec,
		"email_change_settle": a.cfg.Schedule.SettleSpec,
	}
	for _, j := range a.jobs() {
		if err := sched.AddJob(j, specs[j.Name()]); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.Name(), err)
		}
	}
	return sched, nil
}

func (a *app) runServer() error {
	addr := fmt.Sprintf("0.0.0.0:%d", a.cfg.Port)
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", a.cfg.Port),
		zap.String("mail", a.cfg.Mail.Type),
		zap.Bool("redis", a.cfg.Redis.Addr != ""),
	)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	deps := handler.RouterDeps{
		Auth:         handler.NewAuthHandler(a.auth),
		EmailChanges: handler.NewEmailChangeHandler(a.changes),
		Metrics:      metrics.Handler(),
		Sessions:     a.auth,
		RatePerSec:   a.cfg.RateLimit.PerSecond,
		RateBurst:    a.cfg.RateLimit.Burst,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(a.cfg.CORSOrigins),
			metrics.Instrument(),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
