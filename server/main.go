package main

import (
	"time"

	"github.com/auxparty/auxparty/server/src/api"
	"github.com/auxparty/auxparty/server/src/communication"
	"github.com/auxparty/auxparty/server/src/config"
	"github.com/auxparty/auxparty/server/src/logger"
	"github.com/auxparty/auxparty/server/src/media"
	"github.com/auxparty/auxparty/server/src/store"
)

var conf config.CLI

func init() {
	conf = config.ParseCommandArgs()
	logger.NewGlobalLogger(conf.Debug)
}

func main() {
	defer logger.Sync()

	st, err := store.New(conf.DBPath)
	if err != nil {
		logger.Fatalw("Failed to open store", "error", err)
	}
	defer st.Close()

	cache := openCache(conf.CachePath)
	if cache != nil {
		defer cache.Close()
	}

	provider := media.NewProvider(conf.Providers, conf.OEmbed, cache)
	registry := communication.NewRegistry(st, time.Duration(conf.SaveInterval)*time.Second)
	apiHandler := api.New(st, provider, conf.CodeAttempts)

	handler := communication.NewWebSocketHandler(conf, registry, apiHandler.Routes(), communication.NewWsReaderWriter, communication.NewWorker)
	if err := handler.Listen(); err != nil {
		logger.Fatalw("Shutting down server", "error", err)
	}
}

// openCache degrades to no caching when the cache file cannot be used.
func openCache(path string) *media.Cache {
	cache, err := media.NewCache(path, 4*time.Second)
	if err == nil {
		err = cache.Open()
	}
	if err != nil {
		logger.Warnw("Running without media metadata cache", "error", err)
		return nil
	}

	return cache
}
