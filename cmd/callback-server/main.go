// Standalone ASR callback receiver for deployments that split it from the API
// process. It shares the database, redis namespace and object bucket with the
// API servers it answers for.
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

	"github.com/clipforge/clipforge-api/callback"
	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
)

func main() {
	fs := flag.NewFlagSet("clipforge-callback-server", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	config.AddrFlag(fs, &cli.CallbackAddress, "callback-addr", "0.0.0.0:9090", "Address to bind for the ASR callback server")
	fs.IntVar(&cli.PromPort, "prom-port", 2113, "Prometheus metrics listen port")

	fs.StringVar(&cli.DatabaseURL, "database-url", "", "Postgres connection string")
	fs.StringVar(&cli.RedisAddr, "redis-addr", "", "Redis address shared with the API servers")
	fs.StringVar(&cli.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cli.RedisDB, "redis-db", 0, "Redis database number")

	config.URLVarFlag(fs, &cli.StorageEndpoint, "storage-endpoint", "", "S3-compatible endpoint for media artifacts")
	config.URLVarFlag(fs, &cli.StoragePublicEndpoint, "storage-public-endpoint", "", "Endpoint substituted into presigned URLs handed out to browsers and editors")
	fs.StringVar(&cli.StorageBucket, "storage-bucket", "clipforge", "Bucket for media artifacts")
	fs.StringVar(&cli.StorageAccessKey, "storage-access-key", "", "Object storage access key")
	fs.StringVar(&cli.StorageSecretKey, "storage-secret-key", "", "Object storage secret key")
	fs.StringVar(&cli.StorageRegion, "storage-region", "us-east-1", "Object storage region")
	fs.DurationVar(&cli.PresignTTL, "presign-ttl", 24*time.Hour, "Lifetime of presigned download URLs")

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
		fmt.Printf("clipforge-callback-server version: %s\n", config.Version)
		return
	}

	if cli.DatabaseURL == "" {
		fatal("missing required flag", errors.New("-database-url is required"))
	}
	if cli.RedisAddr == "" {
		fatal("missing required flag", errors.New("-redis-addr is required"))
	}

	group, ctx := errgroup.WithContext(context.Background())

	db, err := sql.Open("postgres", cli.DatabaseURL)
	if err != nil {
		fatal("error opening postgres connection", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	rdb, err := callback.NewRedisClient(ctx, cli)
	if err != nil {
		fatal("error connecting to redis", err)
	}
	registry := callback.NewRegistry(rdb)

	objects, err := clients.NewObjectStore(cli)
	if err != nil {
		fatal("error creating object store client", err)
	}

	stateMgr := state.NewManager(store.New(db), nil)
	srv := callback.NewServer(cli, registry, stateMgr, objects)

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return metrics.ListenAndServe("clipforge-callback-server", cli.PromPort)
	})

	group.Go(func() error {
		// A standalone receiver has nothing to do when another healthy
		// instance already owns the port, so a startup conflict ends it.
		return callback.Start(ctx, cli, srv)
	})

	err = group.Wait()
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
