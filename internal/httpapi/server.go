package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/reformer/internal/grpcclient"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

// Run boots the HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	connection, err := grpcclient.Dial(ctx, grpcclient.Config{
		Address:  cfg.BookingAddress,
		Insecure: cfg.BookingInsecure,
	})
	if err != nil {
		return err
	}
	defer connection.Close()

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := NewRouter(cfg, connection.Client(), validator, logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("studioapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the HTTP routes onto backend.
func NewRouter(cfg Config, backend BookingBackend, validator *sessionvalidator.Validator, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{cfg: cfg, backend: backend, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/classes", handler.handleUpcomingClasses)
	if cfg.PaymentSecret != "" {
		router.POST("/api/payments", handler.requirePaymentSecret, handler.handlePayment)
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.POST("/classes/:classID/booking", handler.handleReserve)
	api.DELETE("/classes/:classID/booking", handler.handleCancel)
	api.GET("/bookings", handler.handleBookings)
	api.GET("/credits", handler.handleCredits)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/classes", handler.handleCreateClass)
	admin.GET("/classes/:classID/roster", handler.handleRoster)
	admin.GET("/customers", handler.handleCustomers)

	return router
}
