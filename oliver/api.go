package oliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API is the status/health HTTP server. The deploy target health-checks
// the bot over HTTP, so this stays up for the whole process lifetime;
// it exposes nothing beyond liveness and a small status payload.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	httpServer *http.Server
	listen     func() (net.Listener, error)
	bot        *Oliver
}

func newAPI(bot *Oliver, config *APIConfig) *API {
	a := &API{
		config: config,
		bot:    bot,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", a.getHealth)
	engine.GET("/status", a.getStatus)

	a.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	a.listen = func() (net.Listener, error) {
		network := config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		return net.Listen(network, config.Listen)
	}
	return a
}

func (a *API) getHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (a *API) getStatus(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{
			"started_at":         a.bot.startedAt.UTC().Format(time.RFC3339),
			"uptime":             time.Since(a.bot.startedAt).Round(time.Second).String(),
			"discord_connected":  a.bot.discord.connected.Load(),
			"messages_handled":   a.bot.discord.metricMessagesHandled.Load(),
			"users_known":        a.bot.store.UserCount(),
			"requests_in_flight": a.bot.queue.InFlight(),
		},
	)
}

// Serve starts the server and blocks until it stops.
func (a *API) Serve(ctx context.Context) error {
	listener, err := a.listen()
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.InfoContext(ctx, "starting status server", "listen", a.config.Listen)

	if err = a.httpServer.Serve(listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) shutdown(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn("error shutting down status server", tint.Err(err))
	}
}
