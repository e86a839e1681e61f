package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/voicekb/internal/config"
	"github.com/xxxsen/voicekb/internal/filestore"
	"github.com/xxxsen/voicekb/internal/handler"
	"github.com/xxxsen/voicekb/internal/job"
	"github.com/xxxsen/voicekb/internal/middleware"
	"github.com/xxxsen/voicekb/internal/rag"
	"github.com/xxxsen/voicekb/internal/schedule"
	"github.com/xxxsen/voicekb/internal/watcher"
)

func main() {
	var (
		configPath string
		envFile    string
	)

	rootCmd := &cobra.Command{
		Use:   "voicekb",
		Short: "knowledge base indexing and search for the voice assistant",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load env file: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "optional dotenv file with provider keys")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the indexing service with watcher, jobs and http api",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	reindexCmd := &cobra.Command{
		Use:   "reindex [file...]",
		Short: "index the given files, or reconcile the whole knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(configPath, func(ctx context.Context, svc *rag.Service) error {
				if len(args) == 0 {
					res, err := svc.Reconcile(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, res)
				}
				results := make([]*rag.IndexResult, 0, len(args))
				for _, p := range args {
					res, err := svc.IndexFile(ctx, p)
					if err != nil {
						return fmt.Errorf("index %s: %w", p, err)
					}
					results = append(results, res)
				}
				return printJSON(cmd, results)
			})
		},
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "drop the vector store and re-embed every tracked file and url",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(configPath, func(ctx context.Context, svc *rag.Service) error {
				res, err := svc.Rebuild(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}

	var minSimilarity float64
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "run a similarity search against the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(configPath, func(ctx context.Context, svc *rag.Service) error {
				var threshold *float64
				if cmd.Flags().Changed("min-similarity") {
					threshold = &minSimilarity
				}
				results, err := svc.Search(ctx, strings.Join(args, " "), threshold)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
	searchCmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "override the configured similarity threshold")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "print index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(configPath, func(ctx context.Context, svc *rag.Service) error {
				return printJSON(cmd, svc.GetStats())
			})
		},
	}

	rootCmd.AddCommand(runCmd, reindexCmd, rebuildCmd, searchCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func withService(configPath string, fn func(ctx context.Context, svc *rag.Service) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	svc, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServer(cfg *config.Config) error {
	logger := logutil.GetLogger(context.Background())
	logger.Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("knowledge_dir", cfg.KnowledgeDir),
		zap.String("backup_store", cfg.Backup.Type),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !cfg.Watch.Disabled {
		w := watcher.New(cfg.KnowledgeDir, svc, svc.Filter(), time.Duration(cfg.Watch.SettleMillis)*time.Millisecond)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Close()
	}

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewReconcileJob(svc), cfg.Schedule.ReconcileSpec); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	if cfg.Backup.Type != "" {
		store, err := filestore.New(cfg.Backup)
		if err != nil {
			return fmt.Errorf("init backup store: %w", err)
		}
		if err := scheduler.AddJob(job.NewBackupJob(svc, store, cfg.Backup.Keep), cfg.Schedule.BackupSpec); err != nil {
			return fmt.Errorf("schedule backup: %w", err)
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	if next, ok := scheduler.Next("kb_reconcile"); ok {
		logger.Info("next reconcile scheduled", zap.Time("at", next))
	}
	if cfg.Backup.Type != "" && cfg.Schedule.BackupOnStart {
		if err := scheduler.RunNow("kb_backup"); err != nil {
			logger.Warn("trigger startup backup failed", zap.Error(err))
		}
	}

	deps := handler.RouterDeps{
		KB:             handler.NewKBHandler(svc, cfg.UploadMaxBytes),
		MutationWindow: 2 * time.Second,
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logger.Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("server stopping...")
	return nil
}
