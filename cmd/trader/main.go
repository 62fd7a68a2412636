package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/config"
	"github.com/Alias1177/Trader/internal/database"
	"github.com/Alias1177/Trader/internal/exchange"
	"github.com/Alias1177/Trader/internal/execution"
	"github.com/Alias1177/Trader/internal/platform/http"
	"github.com/Alias1177/Trader/internal/telegram"
	"github.com/Alias1177/Trader/internal/trader"
)

func main() {
	// Setup logger
	lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.New(database.ConnectionParams{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	retry := http.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = uint64(cfg.RetryAttempts)
	}

	client := exchange.NewRESTClient(exchange.RESTOptions{
		APIKey:         cfg.ExchangeAPIKey,
		APISecret:      cfg.ExchangeAPISecret,
		BaseURL:        cfg.ExchangeBaseURL,
		Timeout:        time.Duration(cfg.RequestTimeout) * time.Second,
		RequestsPerSec: cfg.RequestsPerSec,
		Retry:          retry,
	})

	engine := execution.New(client, retry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier trader.Notifier
	var bot *telegram.Bot
	if cfg.TelegramToken != "" {
		bot, err = telegram.New(cfg.TelegramToken, cfg.TelegramChatID, nil, db)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		notifier = bot
	}

	t := trader.New(cfg, client, engine, db, notifier)

	if bot != nil {
		bot.SetEngine(t)
		go bot.Run(ctx)
	}

	log.Info().
		Strs("symbols", cfg.Symbols).
		Dur("signal_interval", cfg.SignalInterval).
		Dur("reconcile_interval", cfg.ReconcileInterval).
		Msg("Trader started")

	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Trader stopped with error")
	}

	log.Info().Msg("Trader stopped")
}
