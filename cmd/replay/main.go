// Package main replays a recorded position file through a tracker. It seeds
// presence and writes the resulting trip to the configured stores.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/wayfare/internal/config"
	"github.com/onnwee/wayfare/internal/db"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/tracking"
	"github.com/onnwee/wayfare/internal/trip"
)

// ErrNoSamples is returned for an empty sample file.
var ErrNoSamples = errors.New("sample file contains no samples")

// options are the replay parameters taken from flags.
type options struct {
	UserID      string
	Name        string
	Destination string
	Interval    time.Duration
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (environment variables override it)")
	file := flag.String("file", "", "JSON file holding an array of samples (- for stdin)")
	userID := flag.String("user", "", "user id the trip belongs to")
	name := flag.String("name", "", "display name broadcast with each position")
	destination := flag.String("destination", "", "destination label")
	interval := flag.Duration("interval", 0, "delay between samples (0 replays immediately)")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help || *file == "" || *userID == "" {
		fmt.Println("Wayfare Trip Replay")
		fmt.Println()
		fmt.Println("Usage: replay -file samples.json -user <id> [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}
	// Logs go to stderr so stdout carries only the result.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	samples, err := readSampleFile(*file)
	if err != nil {
		logger.Error("failed to read samples", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	presenceRepo, trips, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stores", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStores()

	result, err := replay(ctx, options{
		UserID:      *userID,
		Name:        *name,
		Destination: *destination,
		Interval:    *interval,
	}, samples, presenceRepo, trips, cfg.BroadcastInterval, logger)
	if err != nil && result == nil {
		logger.Error("replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if encErr := out.Encode(result); encErr != nil {
		logger.Error("failed to write result", slog.String("error", encErr.Error()))
	}
	if err != nil {
		logger.Warn("trip computed but not saved", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func readSampleFile(path string) ([]tracking.Sample, error) {
	if path == "-" {
		return loadSamples(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadSamples(f)
}

// loadSamples decodes a JSON array of samples. Missing capture times are
// left zero and filled by the tracker clock.
func loadSamples(r io.Reader) ([]tracking.Sample, error) {
	var samples []tracking.Sample
	if err := json.NewDecoder(r).Decode(&samples); err != nil {
		return nil, fmt.Errorf("failed to decode samples: %w", err)
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	return samples, nil
}

// replay runs one tracking session over samples and stops it once the
// playback is exhausted or ctx is cancelled.
func replay(ctx context.Context, opts options, samples []tracking.Sample, presenceRepo presence.Repository, trips trip.Repository, broadcastInterval time.Duration, logger *slog.Logger) (*tracking.StopResult, error) {
	tracker := tracking.NewTracker(tracking.TrackerConfig{
		UserID:            opts.UserID,
		DisplayName:       opts.Name,
		Destination:       opts.Destination,
		Geolocator:        &tracking.ReplayGeolocator{Samples: samples, Interval: opts.Interval},
		Presence:          presenceRepo,
		Trips:             trips,
		Logger:            logger,
		BroadcastInterval: broadcastInterval,
	})
	if err := tracker.Start(ctx); err != nil {
		return nil, err
	}

	select {
	case <-tracker.Done():
	case <-ctx.Done():
		logger.Warn("replay interrupted, saving partial trip")
	}
	if err := tracker.LastError(); err != nil {
		return nil, err
	}
	return tracker.Stop(context.WithoutCancel(ctx))
}

// openStores mirrors the API's storage selection for presence and trips.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (presence.Repository, trip.Repository, func(), error) {
	var (
		presenceRepo presence.Repository = presence.NewInMemoryRepository()
		trips        trip.Repository     = trip.NewInMemoryRepository()
		conn         *sql.DB
		client       *redis.Client
	)
	closeAll := func() {
		if client != nil {
			client.Close()
		}
		if conn != nil {
			conn.Close()
		}
	}

	if cfg.DatabaseURL != "" {
		var err error
		conn, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.RunMigrations(ctx, conn, logger); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		presenceRepo = presence.NewPostgresRepository(conn, logger)
		trips = trip.NewPostgresRepository(conn, logger)
	} else {
		logger.Warn("no database configured, the replayed trip is not persisted beyond this run")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		presenceRepo = presence.NewRedisRepository(client, logger)
	}
	return presenceRepo, trips, closeAll, nil
}
