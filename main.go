package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"barflow/config"
	"barflow/internal/batch"
	"barflow/internal/channel"
	"barflow/internal/dashboard"
	"barflow/internal/fetch"
	"barflow/internal/pipeline"
	"barflow/logger"
	"barflow/models"
	"barflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single download cycle and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Barflow.Name,
		"version": cfg.Barflow.Version,
	}).Info("starting barflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.ValidatedBuffer,
		cfg.Channels.ErrorBuffer,
	)
	defer channels.Close()

	source := fetch.NewBinanceSource(cfg)

	var reference fetch.ReferenceFetcher
	if cfg.Consensus.Enabled {
		reference = fetch.NewBinanceReference(cfg)
	}

	pipe := pipeline.New(cfg, source.Fetch, reference, channels)
	if err := pipe.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	var barWriter *writer.BarWriter
	if cfg.Storage.S3.Enabled {
		barWriter, err = writer.NewBarWriter(cfg, channels.Validated)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := barWriter.Start(ctx); err != nil {
				log.WithError(err).Warn("s3 writer failed to start")
			}
		}()
	} else {
		log.WithComponent("main").Info("S3 storage disabled; validated batches are logged and discarded")
		wg.Add(1)
		go func() {
			defer wg.Done()
			drainValidated(ctx, channels, log)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainErrors(ctx, channels, log)
	}()

	dash := dashboard.NewServer(cfg.Dashboard, log, pipe)
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Barflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped with error")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runDownloads(ctx, cfg, pipe, log, *once)
		if *once {
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
		log.Info("download cycle finished")
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping pipeline")
	pipe.Stop()

	if barWriter != nil {
		log.Info("stopping S3 writer")
		barWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("barflow stopped")
}

// runDownloads executes the configured download cycle, then repeats on the
// configured interval unless running a single cycle.
func runDownloads(ctx context.Context, cfg *config.Config, pipe *pipeline.Pipeline, log *logger.Log, once bool) {
	mlog := log.WithComponent("main")

	symbols := cfg.Download.Symbols
	if len(symbols) == 0 {
		mlog.Warn("no download symbols configured; pipeline is idle")
		return
	}

	specs := make([]batch.TimeframeSpec, 0, len(cfg.Download.Requests))
	for _, req := range cfg.Download.Requests {
		specs = append(specs, batch.TimeframeSpec{
			Duration:  req.Duration,
			Timeframe: models.Timeframe(req.Timeframe),
		})
	}

	priorities := make(map[string]models.Priority, len(cfg.Download.Priorities))
	for symbol, name := range cfg.Download.Priorities {
		// validated at config load time
		p, _ := models.ParsePriority(name)
		priorities[symbol] = p
	}

	strategy := batch.Strategy(cfg.Download.Strategy)

	interval := cfg.Download.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := pipe.Download(ctx, symbols, specs, strategy, priorities)
		if err != nil {
			mlog.WithError(err).Error("download cycle failed")
		} else {
			mlog.WithFields(logger.Fields{
				"batch_id":     result.BatchID,
				"requested":    result.Requested,
				"fetched":      result.Fetched,
				"accepted":     result.Accepted,
				"rejected":     result.Rejected,
				"fetch_failed": result.FetchFailed,
				"elapsed":      result.Elapsed.String(),
			}).Info("download cycle completed")
		}

		if once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainValidated consumes accepted batches when no storage sink is
// configured so the validated channel never backs up.
func drainValidated(ctx context.Context, channels *channel.Channels, log *logger.Log) {
	clog := log.WithComponent("main")
	for {
		select {
		case <-ctx.Done():
			return
		case vb, ok := <-channels.Validated:
			if !ok {
				return
			}
			clog.WithFields(logger.Fields{
				"symbol":    vb.Symbol,
				"timeframe": string(vb.Timeframe),
				"bars":      len(vb.Bars),
				"score":     vb.Report.QualityScore,
			}).Info("validated batch")
		}
	}
}

// drainErrors logs rejected and failed requests from the error channel.
func drainErrors(ctx context.Context, channels *channel.Channels, log *logger.Log) {
	clog := log.WithComponent("main")
	for {
		select {
		case <-ctx.Done():
			return
		case failed, ok := <-channels.Errors:
			if !ok {
				return
			}
			clog.WithFields(logger.Fields{
				"symbol":    failed.Symbol,
				"timeframe": string(failed.Timeframe),
				"reason":    failed.Reason,
				"score":     failed.Score,
			}).Warn("request rejected")
		}
	}
}
