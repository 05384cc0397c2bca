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

	"github.com/gorilla/handlers"

	"github.com/npezzotti/go-multidraw/internal/config"
	"github.com/npezzotti/go-multidraw/internal/server"
	"github.com/npezzotti/go-multidraw/internal/stats"
)

var (
	addr              string
	httpAddr          string
	compositeInterval time.Duration
	roomLinger        time.Duration
	livenessInterval  time.Duration
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:9000", "TCP listen address for drawing clients")
	flag.StringVar(&httpAddr, "http-addr", "localhost:8000", "HTTP listen address for the websocket gateway and debug vars")
	flag.DurationVar(&compositeInterval, "composite-interval", config.DefaultCompositeInterval, "interval between middleground composites")
	flag.DurationVar(&roomLinger, "room-linger", config.DefaultRoomLinger, "how long an empty room stays alive")
	flag.DurationVar(&livenessInterval, "liveness-interval", config.DefaultLivenessInterval, "interval between dead-peer sweeps")
	flag.Parse()

	logger := log.New(os.Stderr, "[multidraw] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, httpAddr)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.CompositeInterval = compositeInterval
	cfg.RoomLinger = roomLinger
	cfg.LivenessInterval = livenessInterval
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	srv, err := server.NewServer(cfg, logger, statsUpdater)
	if err != nil {
		logger.Fatal("new server:", err)
	}
	mux.Handle("GET /ws", http.HandlerFunc(srv.ServeWS))

	statsUpdater.Run()
	defer statsUpdater.Stop()

	if err := srv.Start(); err != nil {
		logger.Fatal("start server:", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handlers.LoggingHandler(os.Stdout, mux),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("http server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := httpSrv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down server...")
	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
