package main

import (
	"os/signal"
	"sync"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/db"
	"github.com/sells-group/site-enrich/internal/monitoring"
	"github.com/sells-group/site-enrich/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued pipeline runs and the scheduled maintenance jobs",
	Long:  "Runs the asynq worker for pipeline tasks alongside the cost aggregation, cost evaluation, recovery sweep, cleanup and health check schedules.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		jobsOnly, _ := cmd.Flags().GetBool("jobs-only")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var wg sync.WaitGroup
		sched := monitoring.NewScheduler(env.Store, env.jobs()...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()

		if jobsOnly || cfg.Queue.Driver != "asynq" {
			zap.L().Info("worker running scheduled jobs only", zap.String("queue", cfg.Queue.Driver))
			<-ctx.Done()
			wg.Wait()
			return nil
		}

		opts, err := db.ParseRedisURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		srv, mux := queue.NewServer(queue.RedisConnOpt(opts), cfg.Queue.Name, cfg.Queue.Concurrency, queue.NewHandler(env.Runner))
		if err := srv.Start(mux); err != nil {
			stop()
			wg.Wait()
			return eris.Wrap(err, "worker: start queue server")
		}
		zap.L().Info("worker started",
			zap.String("queue", cfg.Queue.Name),
			zap.Int("concurrency", cfg.Queue.Concurrency),
		)

		<-ctx.Done()
		zap.L().Info("shutting down worker")
		srv.Shutdown()
		wg.Wait()
		return nil
	},
}

func init() {
	workerCmd.Flags().Bool("jobs-only", false, "run the scheduled jobs without consuming the queue")
	rootCmd.AddCommand(workerCmd)
}
