package app

import (
	"time"

	"genbot/internal/config"
	"genbot/internal/dispatch"
	"genbot/internal/queue"
	"genbot/internal/services/broadcast"
	"genbot/internal/storage"
	telegram "genbot/internal/transport/telegram"
)

// Config mapping between the file schema (duration strings) and component
// configs (time.Duration). Each mapper also validates its section.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := cfg.Storage.BusyTimeout.Value("storage.busy_timeout")
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		PerUserLimit: cfg.Queue.PerUserLimit,
		MaxDepth:     cfg.Queue.MaxDepth,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	pt, err := cfg.Dispatch.ProviderTimeout.Value("dispatch.provider_timeout")
	if err != nil {
		return dispatch.Config{}, err
	}
	rb, err := cfg.Dispatch.RetryBase.Value("dispatch.retry_base")
	if err != nil {
		return dispatch.Config{}, err
	}
	rmd, err := cfg.Dispatch.RetryMaxDelay.Value("dispatch.retry_max_delay")
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		ProviderTimeout: pt,
		RetryMax:        cfg.Dispatch.RetryMax,
		RetryBase:       rb,
		RetryMaxDelay:   rmd,
		RetryJitter:     cfg.Dispatch.RetryJitter,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := cfg.Telegram.PollTimeout.Or("telegram.poll_timeout", 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		AdminUserIDs: cfg.Telegram.AdminUserIDs,
		PollTimeout:  poll,
	}, nil
}
