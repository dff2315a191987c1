package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"chatsync/internal/config"
	"chatsync/internal/gateway/genqueue"
	"chatsync/internal/gateway/gormstore"
	"chatsync/internal/gateway/redisfeed"
	"chatsync/internal/httpapi"
	"chatsync/internal/metrics"
)

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if !cfg.LogJSON {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "chatsyncd").Logger()
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg)

	db, err := gorm.Open(mysql.Open(cfg.DBDSN), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate messages")
	}
	if err := genqueue.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate jobs")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	feed := redisfeed.NewFeed(rdb, log)
	ledger := redisfeed.NewLedger(rdb)
	// Writes from this process fan out over the feed as well, so a
	// second device of the same user sees them without polling.
	store := redisfeed.NewFanoutStore(gormstore.NewStore(db), feed)

	gen, err := genqueue.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, db, cfg.JWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("generation publisher")
	}
	defer gen.Close()

	rec := metrics.NewRecorder()

	h := httpapi.NewHandler(cfg, store, gen, feed, ledger, log, rec)
	defer h.Close()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(h, cfg.JWTSecret),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
