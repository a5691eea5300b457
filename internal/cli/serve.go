package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trna-workbench/backend/api/handlers"
	"github.com/trna-workbench/backend/internal/auth"
	"github.com/trna-workbench/backend/internal/bridge"
	"github.com/trna-workbench/backend/internal/config"
	"github.com/trna-workbench/backend/internal/logger"
	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/search"
	"github.com/trna-workbench/backend/internal/tools"
	"github.com/trna-workbench/backend/internal/worker"
	"github.com/trna-workbench/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts.Config)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	log, err := logger.New(cfg.App.LogFilePath, cfg.IsProduction())
	if err != nil {
		return err
	}
	defer log.Sync()

	m := metrics.New()

	store, closeDB, err := openStore(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer closeDB()

	notifications := bridge.New(log, m)
	store.SetNotifier(notifications)

	authn, err := auth.New(auth.Config{Secret: cfg.Auth.Secret, TokenTTL: cfg.Auth.TokenTTL}, log, m)
	if err != nil {
		return err
	}

	pool := worker.New(cfg.Worker.PoolSize, log)
	annotators := newAnnotators(cfg.Tools.Commands())
	for slot, a := range annotators {
		log.Info("annotator configured", zap.String("slot", string(slot)), zap.String("tool", a.Name()))
	}

	service, err := ws.NewService(ws.Config{
		Store:          store,
		Bridge:         notifications,
		Auth:           authn,
		Pool:           pool,
		Processor:      search.NewProcessor(store, log),
		AllowedOrigins: cfg.App.AllowedOrigins,
		Metrics:        m,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(routerDeps{
		store:          store,
		verifier:       authn,
		dispatcher:     tools.NewRunner(store, pool, log),
		annotators:     annotators,
		socket:         service.Handler(),
		metrics:        m,
		log:            log,
		allowedOrigins: cfg.App.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() {
		if err := service.Run(loopCtx); err != nil {
			log.Error("event loop exited", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stopLoop()
			<-service.Hub().Done()
			pool.Close()
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	stopLoop()
	<-service.Hub().Done()
	pool.Shutdown(shutdownCtx)
	log.Info("server stopped")
	return nil
}

// newAnnotators builds one external-program annotator per configured slot.
func newAnnotators(commands map[model.ToolSlot][]string) map[model.ToolSlot]tools.Annotator {
	out := make(map[model.ToolSlot]tools.Annotator, len(commands))
	for slot, argv := range commands {
		out[slot] = &tools.Command{Path: argv[0], Args: argv[1:], Target: slot}
	}
	return out
}

type routerDeps struct {
	store          handlers.SequenceStore
	verifier       handlers.TokenVerifier
	dispatcher     handlers.AnnotationDispatcher
	annotators     map[model.ToolSlot]tools.Annotator
	socket         *ws.Handler
	metrics        *metrics.Metrics
	log            *zap.Logger
	allowedOrigins []string
}

func newRouter(deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(deps.log))
	r.Use(corsMiddleware(deps.allowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.metrics.Registry, promhttp.HandlerOpts{})))

	handlers.NewWebSocketHandler(deps.socket).RegisterRoutes(r)

	api := r.Group("/api")
	api.Use(handlers.RequireToken(deps.verifier))
	{
		handlers.NewSequenceHandler(deps.store).RegisterRoutes(api)
		if deps.dispatcher != nil {
			handlers.NewAnnotationHandler(deps.store, deps.dispatcher, deps.annotators).RegisterRoutes(api)
		}
	}

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// corsMiddleware allows the configured origins; "*" allows any.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	check := ws.CheckOrigin(allowed)
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && check(c.Request) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
