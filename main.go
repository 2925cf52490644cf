package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge-api/api"
	"github.com/clipforge/clipforge-api/callback"
	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/editor"
	"github.com/clipforge/clipforge-api/handlers"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/pipeline"
	"github.com/clipforge/clipforge-api/pprof"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/video"
)

func main() {
	fs := flag.NewFlagSet("clipforge-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for the external-facing ClipForge HTTP API")
	config.AddrFlag(fs, &cli.CallbackAddress, "callback-addr", "0.0.0.0:9090", "Address to bind for the ASR callback server")
	fs.IntVar(&cli.PromPort, "prom-port", 2112, "Prometheus metrics listen port")
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Auth header value for API access")

	// persistence
	fs.StringVar(&cli.DatabaseURL, "database-url", "", "Postgres connection string")
	fs.BoolVar(&cli.RunMigrations, "run-migrations", false, "Apply schema migrations on startup")
	fs.StringVar(&cli.RedisAddr, "redis-addr", "", "Redis address used by the resumable transcription path. Empty disables it.")
	fs.StringVar(&cli.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cli.RedisDB, "redis-db", 0, "Redis database number")

	// object storage
	config.URLVarFlag(fs, &cli.StorageEndpoint, "storage-endpoint", "", "S3-compatible endpoint for media artifacts")
	config.URLVarFlag(fs, &cli.StoragePublicEndpoint, "storage-public-endpoint", "", "Endpoint substituted into presigned URLs handed out to browsers and editors")
	fs.StringVar(&cli.StorageBucket, "storage-bucket", "clipforge", "Bucket for media artifacts")
	fs.StringVar(&cli.StorageAccessKey, "storage-access-key", "", "Object storage access key")
	fs.StringVar(&cli.StorageSecretKey, "storage-secret-key", "", "Object storage secret key")
	fs.StringVar(&cli.StorageRegion, "storage-region", "us-east-1", "Object storage region")
	fs.DurationVar(&cli.PresignTTL, "presign-ttl", 24*time.Hour, "Lifetime of presigned download URLs")

	// transcription
	fs.StringVar(&cli.ASRMode, "asr-mode", "", "Force the transcription path: sync, tus, or empty for size-based selection")
	config.URLVarFlag(fs, &cli.ASRSyncURL, "asr-sync-url", "", "Base URL of the synchronous ASR service")
	config.URLVarFlag(fs, &cli.ASRAsyncURL, "asr-async-url", "", "Base URL of the resumable (TUS) ASR service")
	fs.StringVar(&cli.ASRLanguage, "asr-language", "zh", "Language hint passed to the ASR backends")
	fs.StringVar(&cli.ASRModel, "asr-model", string(clients.ASRModelWhisper), "ASR backend dialect: whisper or sense")
	fs.Int64Var(&cli.TUSThresholdMiB, "tus-threshold-mib", 25, "Audio size in MiB above which transcription takes the resumable path")
	fs.StringVar(&cli.CallbackPublicIP, "callback-public-ip", "", "IP the ASR backend calls back on. Autodetected when empty.")

	// editor export
	config.URLVarFlag(fs, &cli.CapcutURL, "capcut-url", "", "Base URL of the CapCut draft service")
	fs.StringVar(&cli.CapcutAPIKey, "capcut-api-key", "", "API key for the CapCut draft service")
	config.URLVarFlag(fs, &cli.JianyingURL, "jianying-url", "", "Base URL of the Jianying draft service")
	fs.StringVar(&cli.JianyingAPIKey, "jianying-api-key", "", "API key for the Jianying draft service")

	// pipeline workers
	fs.IntVar(&cli.MaxConcurrentJobs, "max-concurrent-jobs", 8, "Maximum number of concurrent pipeline jobs")
	fs.DurationVar(&cli.TaskTimeout, "task-timeout", 4*time.Hour, "Hard deadline for a single pipeline task")
	fs.StringVar(&cli.WorkDir, "work-dir", os.TempDir(), "Scratch directory for downloads and ffmpeg output")
	fs.StringVar(&cli.DefaultResourcesDir, "default-resources-dir", "", "Directory holding fallback export resources (covers, stickers, fonts)")
	fs.StringVar(&cli.YtDlpPath, "yt-dlp-path", "yt-dlp", "Path to the yt-dlp binary")
	fs.StringVar(&cli.DownloadQuality, "download-quality", "best", "Default yt-dlp format selector")
	config.CommaSliceFlag(fs, &cli.RecoverableDownloadErrors, "recoverable-download-errors", []string{}, "yt-dlp error fragments that still leave a usable file. Empty uses the built-in list.")

	pprofPort := fs.Int("pprof-port", 6061, "Pprof listen port (loopback only)")
	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("CLIPFORGE"),
	)
	if err != nil {
		fatal("error parsing cli", err)
	}
	if len(fs.Args()) > 0 {
		fatal("unexpected extra arguments on command line", fmt.Errorf("%v", fs.Args()))
	}

	if *version {
		fmt.Printf("clipforge-api version: %s\n", config.Version)
		return
	}

	if cli.DatabaseURL == "" {
		fatal("missing required flag", errors.New("-database-url is required"))
	}

	// Debug listener only; it dying must not take the service down.
	go func() {
		log.LogNoRequestID("pprof listener exited", "error", pprof.ListenAndServe(*pprofPort))
	}()

	group, ctx := errgroup.WithContext(context.Background())

	db, err := sql.Open("postgres", cli.DatabaseURL)
	if err != nil {
		fatal("error opening postgres connection", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if cli.RunMigrations {
		if err := store.Migrate(ctx, db); err != nil {
			fatal("error applying migrations", err)
		}
	}

	st := store.New(db)
	bus := progress.NewBus()
	stateMgr := state.NewManager(st, bus)

	objects, err := clients.NewObjectStore(cli)
	if err != nil {
		fatal("error creating object store client", err)
	}

	var asrClient *clients.ASRClient
	if cli.ASRSyncURL != nil {
		asrClient, err = clients.NewASRClient(cli.ASRSyncURL, clients.ASRModel(cli.ASRModel), cli.ASRLanguage)
		if err != nil {
			fatal("error creating ASR client", err)
		}
	}

	// The resumable path needs both the TUS upload client and the redis-backed
	// registry that pairs uploads with their completion callbacks.
	var tusClient *clients.TUSClient
	var registry *callback.Registry
	if cli.HasTUS() {
		rdb, err := callback.NewRedisClient(ctx, cli)
		if err != nil {
			fatal("error connecting to redis", err)
		}
		registry = callback.NewRegistry(rdb)
		tusClient, err = clients.NewTUSClient(cli.ASRAsyncURL, cli.ASRModel, cli.ASRLanguage)
		if err != nil {
			fatal("error creating TUS client", err)
		}
	}

	library := editor.NewLibrary(st, objects, cli.DefaultResourcesDir)
	composers := map[editor.Backend]*editor.Composer{}
	if cli.CapcutURL != nil {
		client, err := editor.NewClient(editor.BackendCapcut, cli.CapcutURL, cli.CapcutAPIKey)
		if err != nil {
			fatal("error creating CapCut client", err)
		}
		composers[editor.BackendCapcut] = editor.NewComposer(client, objects, library)
	}
	if cli.JianyingURL != nil {
		client, err := editor.NewClient(editor.BackendJianying, cli.JianyingURL, cli.JianyingAPIKey)
		if err != nil {
			fatal("error creating Jianying client", err)
		}
		composers[editor.BackendJianying] = editor.NewComposer(client, objects, library)
	}

	coordinator, err := pipeline.NewCoordinator(cli, stateMgr, objects,
		video.Probe{}, video.Downloader{Bin: cli.YtDlpPath},
		asrClient, tusClient, registry, composers)
	if err != nil {
		fatal("error creating pipeline coordinator", err)
	}

	apiHandlers := &handlers.APIHandlersCollection{
		Cli:      cli,
		Store:    st,
		State:    stateMgr,
		Pipeline: coordinator,
		Objects:  objects,
		Bus:      bus,
	}

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli, apiHandlers)
	})

	group.Go(func() error {
		return metrics.ListenAndServe("clipforge-api", cli.PromPort)
	})

	if cli.HasTUS() {
		callbackSrv := callback.NewServer(cli, registry, stateMgr, objects)
		group.Go(func() error {
			// Another process on this host may already own the callback port.
			// That is fine, the ASR backend only needs one listener per host.
			if err := callback.Start(ctx, cli, callbackSrv); !errors.Is(err, callback.ErrAlreadyRunning) {
				return err
			}
			return nil
		})
	}

	err = group.Wait()
	bus.Close()
	log.LogNoRequestID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoRequestID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatal(message string, err error) {
	log.LogNoRequestID(message, "error", err)
	os.Exit(1)
}
