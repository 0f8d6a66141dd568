package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/bilimix/internal/config"
	"github.com/weiawesome/bilimix/internal/danmaku"
	"github.com/weiawesome/bilimix/internal/handler"
	"github.com/weiawesome/bilimix/internal/hub"
	"github.com/weiawesome/bilimix/internal/log"
	"github.com/weiawesome/bilimix/internal/mixer"
	"github.com/weiawesome/bilimix/internal/registry"
	"github.com/weiawesome/bilimix/internal/resolver"
	"github.com/weiawesome/bilimix/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "bilimix",
	})

	hlsDir := filepath.Dir(cfg.Mixer.Output)
	if err := os.MkdirAll(hlsDir, 0o755); err != nil {
		log.L().Fatal().Err(err).Msg("failed to create HLS output directory")
	}

	res := resolver.New(cfg.Resolver)
	broadcastHub := hub.NewHub()
	reg := registry.New(broadcastHub)

	pool := handler.NewDanmakuPool(1000)
	broadcastHub.Observe(pool.Feed())

	segwatch := mixer.NewSegmentWatcher(hlsDir)
	if err := segwatch.Start(); err != nil {
		log.L().Warn().Err(err).Msg("segment watcher unavailable")
		segwatch = nil
	} else {
		defer segwatch.Stop()
	}

	transport := danmaku.NewWSBridgeTransport(cfg.Danmaku.BridgeURL)
	svc := service.NewMixService(cfg, res, reg, transport, segwatch)
	httpHandler := handler.NewHTTPHandler(svc, broadcastHub, cfg.WebSocket, pool, hlsDir)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(*log.L()))
	router.Use(cors.Default())
	httpHandler.RegisterRoutes(router)

	port, err := probePort(cfg.Server.Host, cfg.Server.Port, cfg.Server.PortProbe)
	if err != nil {
		log.L().Fatal().Err(err).Msg("no free port")
	}

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.L().Info().Str("addr", server.Addr).Msg("bilimix listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L().Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.L().Info().Msg("shutting down")
	svc.StopAll(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.L().Warn().Err(err).Msg("server forced to shutdown")
	}
	log.L().Info().Msg("stopped")
}

// probePort walks upward from the configured port until one binds; the
// desktop player spawns this process and cannot guarantee a free port.
func probePort(host string, start, attempts int) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for port := start; port < start+attempts; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d..%d", start, start+attempts-1)
}
