// Command addetect detects advertisement segments in podcast episodes.
//
//	addetect run -episode ID -audio URL     detect one episode and print the job
//	addetect feed -url FEED                 start jobs for new feed episodes
//	addetect feed -url FEED -dry-run        list the episodes feed would start
//	addetect worker                         consume stage tasks from AMQP
//	addetect status -job ID                 print a job
//
// Settings come from the environment and an optional .env file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/config"
	"podcast-ads/pkg/content"
	"podcast-ads/pkg/feeds"
	"podcast-ads/pkg/jobs"
	"podcast-ads/pkg/logger"
	"podcast-ads/pkg/metrics"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr, log); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		err = runCmd(ctx, cfg, log, args)
	case "feed":
		err = feedCmd(ctx, cfg, log, args)
	case "worker":
		err = workerCmd(ctx, cfg, log, args)
	case "status":
		err = statusCmd(ctx, cfg, log, args)
	default:
		stop()
		usage()
		os.Exit(2)
	}
	stop()
	if err != nil {
		log.WithError(err).Errorf("%s failed", cmd)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: addetect <run|feed|worker|status> [flags]")
}

func runCmd(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		episodeID = fs.String("episode", "", "Episode identifier")
		audioURL  = fs.String("audio", "", "Episode audio URL")
		title     = fs.String("title", "", "Episode title")
		timeout   = fs.Duration("timeout", 30*time.Minute, "Give up waiting after this long")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.startConsumers(ctx); err != nil {
		return err
	}

	id, err := svc.orchestrator.Start(ctx, jobs.StartRequest{EpisodeID: *episodeID, AudioURL: *audioURL, Title: *title})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	start := time.Now()
	job, err := svc.orchestrator.Wait(waitCtx, id, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", id, err)
	}
	log.WithFields(logrus.Fields{
		"job_id":   id,
		"status":   job.Status,
		"segments": len(job.Segments),
		"duration": time.Since(start),
	}).Info("Done")
	return printJSON(job)
}

func feedCmd(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	var (
		feedURL     = fs.String("url", "", "Podcast RSS/Atom feed URL")
		max         = fs.Int("max", 10, "Max new episodes to start (<=0 means no limit)")
		resolvePage = fs.Bool("resolve-pages", true, "Look up audio on the episode page when the feed item has no enclosure")
		wait        = fs.Bool("wait", true, "With the local scheduler, wait for the started jobs to finish")
		dryRun      = fs.Bool("dry-run", false, "Only list the episodes that would be started")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *feedURL == "" {
		return errors.New("-url is required")
	}
	if *dryRun {
		return previewFeed(ctx, cfg, log, *feedURL, *max)
	}

	svc, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if svc.local != nil {
		if err := svc.startConsumers(ctx); err != nil {
			return err
		}
	}

	var resolver feeds.AudioResolver
	if *resolvePage {
		resolver = content.NewPageResolver(cfg.HTTPRequestTimeout)
	}

	d := feeds.NewDiscoverer(feeds.NewParser(), svc.orchestrator, resolver, log,
		feeds.NewAlreadyDetectedFilter(svc.store),
		feeds.NewLimitFilter(*max),
	)
	res, err := d.Run(ctx, *feedURL)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"started": len(res.Started),
		"skipped": len(res.Skipped),
	}).Info("Feed processed")

	if svc.local != nil && *wait {
		if err := svc.local.Idle(ctx); err != nil {
			return err
		}
	}
	return printJSON(res)
}

func previewFeed(ctx context.Context, cfg *config.Config, log *logrus.Logger, feedURL string, max int) error {
	reader, closeReader, err := openReader(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeReader()

	d := feeds.NewDiscoverer(feeds.NewParser(), nil, nil, log,
		feeds.NewAlreadyDetectedFilter(reader),
		feeds.NewLimitFilter(max),
	)
	episodes, err := d.Preview(ctx, feedURL)
	if err != nil {
		return err
	}
	log.WithField("episodes", len(episodes)).Info("Feed previewed")
	return printJSON(episodes)
}

func workerCmd(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Scheduler != config.SchedulerAMQP {
		return fmt.Errorf("worker needs SCHEDULER=%s", config.SchedulerAMQP)
	}

	svc, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.startConsumers(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("Shutting down worker")
	return nil
}

func statusCmd(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jobID := fs.String("job", "", "Job id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *jobID == "" {
		return errors.New("-job is required")
	}

	reader, closeReader, err := openReader(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeReader()

	job, err := reader.GetJob(ctx, *jobID)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
