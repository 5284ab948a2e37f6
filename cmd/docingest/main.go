package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/docingest/internal/config"
	"github.com/local/docingest/internal/convert"
	"github.com/local/docingest/internal/convert/external"
	"github.com/local/docingest/internal/filekind"
	"github.com/local/docingest/internal/fsx"
	"github.com/local/docingest/internal/fsx/s3store"
	"github.com/local/docingest/internal/httpapi"
	"github.com/local/docingest/internal/ingest"
	"github.com/local/docingest/internal/kb"
	"github.com/local/docingest/internal/limiter"
	logpkg "github.com/local/docingest/internal/logging"
	mpkg "github.com/local/docingest/internal/metrics"
	"github.com/local/docingest/internal/pdfscan"
	"github.com/local/docingest/internal/queue"
	"github.com/local/docingest/internal/report"
	"github.com/local/docingest/internal/statuscheck"
	"github.com/local/docingest/internal/store"
	"github.com/local/docingest/internal/vision"
	"github.com/local/docingest/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis queue")
	}
	defer rq.Close()

	var files fsx.Store
	switch cfg.Storage.Backend {
	case "s3":
		s3, err := s3store.New(context.Background(), cfg.Storage.S3Bucket, os.Getenv("STORAGE_ENCRYPT_PASSPHRASE"), cfg.Storage.Encrypted)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 storage backend")
		}
		files = s3
	default:
		files = fsx.NewLocalStore(cfg.Storage.Root)
	}

	st := store.NewMemStore()

	var mirror *store.StatusMirror
	if m, err := store.NewStatusMirror(cfg.Queue.RedisURL); err != nil {
		log.Warn().Err(err).Msg("status read-model disabled: could not connect to redis")
	} else {
		mirror = m
		defer mirror.Close()
	}

	lim, err := limiter.New(limiter.Options{
		RedisURL:    cfg.Limiter.RedisURL,
		MaxInflight: cfg.Limiter.MaxInflight,
		BaseBackoff: cfg.Limiter.BaseBackoff,
		MaxBackoff:  cfg.Limiter.MaxBackoff,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init circuit breaker / limiter")
	}
	defer lim.CloseClient()

	externalConv := external.NewClient(cfg.Conversion.BaseURL, cfg.Conversion.Timeout)
	externalConv.Limiter = lim
	visionClient := vision.NewChatCompletionsClient(cfg.Vision.BaseURL, cfg.Vision.APIKey, cfg.Vision.Model, cfg.Vision.Temperature, cfg.Vision.PageTimeout)
	visionClient.Limiter = lim
	dispatcher := &convert.Dispatcher{
		External:          externalConv,
		Vision:            visionClient,
		ScanDetector:      pdfscan.New(),
		VisionPageTimeout: cfg.Vision.PageTimeout,
		MaxPages:          cfg.Vision.MaxPages,
	}

	jobs := &worker.Enqueuer{Queue: rq}

	proc := &ingest.Processor{
		Store:    st,
		Files:    files,
		Dispatch: dispatcher,
		Detector: filekind.New(),
		Mirror:   mirror,
	}

	kbSvc := kb.New(st, files, jobs, cfg.KB.BaseURL, cfg.KB.APIKey, cfg.KB.OpTimeout)
	kbSvc.RAG.Limiter = lim
	kbSvc.Mirror = mirror
	kbSvc.Poller = kb.NewPoller(st, kbSvc)
	proc.KB = kbSvc

	if projectIDs, err := st.ListProjectIDs(context.Background()); err == nil {
		kbSvc.Poller.ResumeAll(context.Background(), projectIDs)
	}

	reportDispatcher := report.New(st, files, cfg.Report.BaseURL, cfg.Report.APIKey, cfg.Report.Timeout)
	reportDispatcher.Limiter = lim

	pool := worker.New(worker.Config{
		Concurrency:    cfg.Worker.Concurrency,
		JobMaxAttempts: cfg.Worker.JobMaxAttempts,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryFactor:    cfg.Worker.RetryFactor,
	}, rq, proc)

	api := &httpapi.API{
		Processor: proc,
		KB:        kbSvc,
		Report:    reportDispatcher,
		Jobs:      jobs,
		Mirror:    mirror,
	}

	checker := statuscheck.New(statuscheck.Options{
		Redis:         rq,
		S3Bucket:      cfg.Storage.S3Bucket,
		ConversionURL: cfg.Conversion.BaseURL,
		VisionAPIKey:  cfg.Vision.APIKey,
		KBURL:         cfg.KB.BaseURL,
	})

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		summary := checker.Summary(ctx)
		s, d, dlq, depthErr := rq.Depths(ctx)

		body := struct {
			OK         bool               `json:"ok"`
			Redis      statuscheck.Status `json:"redis"`
			Storage    statuscheck.Status `json:"storage"`
			Conversion statuscheck.Status `json:"conversion"`
			Vision     statuscheck.Status `json:"vision"`
			KB         statuscheck.Status `json:"kb"`
			StreamLen  int64              `json:"stream_len"`
			DelayedLen int64              `json:"delayed_len"`
			DLQLen     int64              `json:"dlq_len"`
		}{
			OK:         summary.Redis.OK && depthErr == nil,
			Redis:      summary.Redis,
			Storage:    summary.Storage,
			Conversion: summary.Conversion,
			Vision:     summary.Vision,
			KB:         summary.KB,
			StreamLen:  s,
			DelayedLen: d,
			DLQLen:     dlq,
		}

		w.Header().Set("Content-Type", "application/json")
		if !body.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})

	mpkg.Init()
	mux.Handle("/metrics", mpkg.Handler())

	runWorker := os.Getenv("RUN_WORKER")
	if runWorker == "" || runWorker == "1" || runWorker == "true" {
		pool.Start()
		defer pool.Stop()
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("docingest HTTP server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			s, d, dlq, err := rq.Depths(ctx)
			cancel()
			if err == nil {
				mpkg.SetQueueDepth("stream", s)
				mpkg.SetQueueDepth("delayed", d)
				mpkg.SetQueueDepth("dlq", dlq)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("shutdown complete")
}
