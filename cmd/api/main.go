package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/config"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/identity"
	"rollcall/internal/proximity"
	"rollcall/internal/queue"
	"rollcall/internal/reconcile"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := store.EnsureSchema(ctx, db.Client); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	// One advertising endpoint per session; the radio bridge stands in for
	// the faculty device radio outside production builds.
	bus := proximity.NewBus()
	newTransport := func() proximity.Transport {
		if cfg.TransportBackend == "memory" {
			return bus.Attach(cfg.AdvertiseInterval)
		}
		return proximity.NewRedisRadio(redisClient.Client, cfg.RadioChannel, cfg.AdvertiseInterval)
	}

	rosters := roster.NewRepository(db.Client)
	sessionRepo := session.NewRepository(db.Client)
	recordRepo := reconcile.NewRepository(db.Client)
	reconciler := reconcile.New(recordRepo)
	manager := session.NewManager(sessionRepo, rosters, newTransport, reconciler)
	identityRepo := identity.NewRepository(db.Client)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/participants/register", func(c *gin.Context) {
		var req struct {
			ParticipantID string `json:"participant_id" binding:"required"`
			Role          string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !identity.ValidIdentifier(req.ParticipantID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id must be a valid identifier"})
			return
		}

		tokens, err := identity.Issue(req.ParticipantID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		_ = identityRepo.SaveRefreshToken(c.Request.Context(), req.ParticipantID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	faculty := r.Group("/v1", identity.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, identity.RoleFaculty))

	faculty.POST("/sessions", func(c *gin.Context) {
		var req roster.GroupKey
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := identity.ClaimsFrom(c)

		s, err := manager.Start(c.Request.Context(), session.StartInput{
			AdvertiserID: claims.ParticipantID,
			Group:        req,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": s.ID, "state": s.State, "started_at": s.StartedAt})
	})

	faculty.POST("/sessions/:id/end", func(c *gin.Context) {
		rec, err := manager.End(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":    rec.ID,
			"present":      rec.Present,
			"committed_at": rec.CommittedAt,
		})
	})

	faculty.GET("/sessions/:id", func(c *gin.Context) {
		s, detected, err := manager.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": s, "detected_count": detected})
	})

	faculty.GET("/sessions/:id/sheet", func(c *gin.Context) {
		entries, err := manager.Sheet(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	faculty.POST("/sessions/:id/overrides", func(c *gin.Context) {
		var req struct {
			ParticipantID string `json:"participant_id" binding:"required"`
			Status        string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := manager.ApplyOverride(c.Request.Context(), c.Param("id"), req.ParticipantID, reconcile.Status(req.Status))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "applied"})
	})

	faculty.GET("/records", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		claims, _ := identity.ClaimsFrom(c)
		records, err := recordRepo.List(c.Request.Context(), claims.ParticipantID, c.Query("subject"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	student := r.Group("/v1", identity.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, identity.RoleStudent))

	student.POST("/detections", func(c *gin.Context) {
		var req struct {
			AdvertiserToken string `json:"advertiser_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := identity.ClaimsFrom(c)

		sessionID, fresh, err := manager.ReportDetection(c.Request.Context(), req.AdvertiserToken, claims.ParticipantID)
		if err != nil {
			writeError(c, err)
			return
		}

		if fresh {
			if err := q.Publish(c.Request.Context(), queue.NewPresenceMessage(sessionID, claims.ParticipantID)); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "fresh": fresh})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeError maps core errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, proximity.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "proximity permission denied"})
	case errors.Is(err, proximity.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proximity transport unavailable"})
	case errors.Is(err, session.ErrSessionAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": "session already active"})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrUnknownParticipant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant not in roster"})
	case errors.Is(err, roster.ErrEmptyRoster):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no roster members for group"})
	case errors.Is(err, reconcile.ErrCommitFailed):
		// The session stays in Ending; the client should retry the end call.
		c.JSON(http.StatusBadGateway, gin.H{"error": "attendance commit failed, retry ending the session"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
