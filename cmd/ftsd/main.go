// ftsd is the face tracking service daemon: it wires the controller to its
// adapters (Postgres attendance store, NATS bus, Redis detection cache),
// serves the admin API and MJPEG previews, and reacts to config changes.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fas/internal/api"
	"github.com/technosupport/ts-fas/internal/bus"
	"github.com/technosupport/ts-fas/internal/capture"
	"github.com/technosupport/ts-fas/internal/config"
	"github.com/technosupport/ts-fas/internal/data"
	"github.com/technosupport/ts-fas/internal/fts"
	"github.com/technosupport/ts-fas/internal/live"
)

const serviceName = "TS-FAS"

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to service configuration")
	noAutoStart := flag.Bool("no-autostart", false, "do not start tracking on boot")
	flag.Parse()

	source, err := config.NewSource(*configPath)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	cfg := source.Snapshot()

	deps := fts.Deps{Backend: capture.DefaultBackend()}

	if cfg.Store.Enabled {
		db, err := data.Open(cfg.Store.DSN())
		if err != nil {
			log.Fatalf("attendance store error: %v", err)
		}
		defer db.Close()
		deps.Store = data.AttendanceModel{DB: db}
	} else {
		log.Printf("[Main] attendance store disabled, recorder runs spill-only")
	}

	if cfg.Bus.Enabled {
		nc, err := bus.Connect(cfg.Bus.URL, serviceName)
		if err != nil {
			log.Printf("[Main] NATS connect failed: %v, events stay local", err)
		} else {
			defer nc.Close()
			deps.Bus = bus.NewPublisher(nc, cfg.Bus.Subject, 3)
		}
	}

	var cache *live.Cache
	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		defer rdb.Close()
		cache = live.NewCache(rdb)
		deps.Cache = cache
	}

	controller := fts.NewController(cfg, deps)
	adapter := fts.NewAdapter(controller)

	if !*noAutoStart {
		if res := adapter.Start(); !res.Success {
			// A failed start is not fatal to the daemon; the admin API can
			// retry once models or cameras are in place.
			log.Printf("[Main] autostart failed: %s", res.Message)
		}
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go source.Run(watchCtx)
	go func() {
		for next := range source.Watch() {
			if err := adapter.ApplyConfig(next); err != nil {
				log.Printf("[Main] config apply rejected: %v", err)
			}
		}
	}()

	handler := api.NewHandler(adapter, cache)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.Router(),
	}

	go func() {
		log.Printf("[Main] %s listening on %s", serviceName, cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("[Main] shutdown requested")

	if res := adapter.Stop(); !res.Success {
		log.Printf("[Main] stop: %s", res.Message)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP shutdown: %v", err)
	}
	log.Printf("[Main] stopped")
}
