package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"ticktack/pkg/config"
	"ticktack/pkg/directory"
	"ticktack/pkg/game"
	"ticktack/pkg/game/oxo"
	"ticktack/pkg/ingress"
	"ticktack/pkg/journal"

	"github.com/go-redis/redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func serveCommand(configs []string) error {
	conf, err := config.Process(configs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	serverConfig := conf.Server

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game.Register("oxo", oxo.New)

	ruleset := serverConfig.Session.Ruleset
	if _, err := game.New(ruleset); err != nil {
		return err
	}
	factory := func() game.Rules {
		rules, _ := game.New(ruleset)
		return rules
	}

	dir := directory.New(ctx, factory, serverConfig.Session.Config())

	var db *gorm.DB
	if serverConfig.DBPath != "" {
		db, err = journal.InitDB(serverConfig.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msgf("failed to open archive: %s", serverConfig.DBPath)
		}
		log.Info().Str("path", serverConfig.DBPath).Msg("archiving matches")
	}

	var cache *redis.Client
	if serverConfig.Cache.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     serverConfig.Cache.Address,
			Password: serverConfig.Cache.Password,
			DB:       serverConfig.Cache.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("could not reach redis")
		}
		log.Info().Str("address", serverConfig.Cache.Address).Msg("caching session state")
	}

	archive := journal.New(ctx, db, cache)

	created := dir.Created().SubscribeBuffered(16)
	go func() {
		defer created.Done()
		for {
			select {
			case sess := <-created.Recv():
				archive.Watch(sess)
			case <-ctx.Done():
				return
			}
		}
	}()

	wsIngress := ingress.NewWSIngress(dir, serverConfig.Ingress)

	mux := http.NewServeMux()
	mux.Handle("/ws/{entry}", wsIngress)
	mux.Handle("GET /api/sessions", statusHandler(dir, wsIngress))
	mux.Handle("POST /api/sessions/{entry}", createHandler(dir))
	mux.Handle("GET /api/matches", matchesHandler(archive))

	errc := make(chan error, 1)
	go func() {
		errc <- wsIngress.Serve(ctx, serverConfig.Ingress.Port, mux)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	signal.Notify(sigs, os.Kill)

	select {
	case err := <-errc:
		log.Printf("failed to serve: %v", err)
	case sig := <-sigs:
		log.Printf("terminating: %v", sig)
	}

	// Ending the context tells every live session to say goodbye.
	cancel()

	shutdownCtx, timeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeout()
	wsIngress.Shutdown(shutdownCtx)

	return nil
}
