package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campusworks/enroll-api/api/swagger"
	"github.com/campusworks/enroll-api/internal/handler"
	"github.com/campusworks/enroll-api/internal/middleware"
	"github.com/campusworks/enroll-api/internal/models"
	"github.com/campusworks/enroll-api/internal/repository"
	"github.com/campusworks/enroll-api/internal/service"
	"github.com/campusworks/enroll-api/pkg/cache"
	"github.com/campusworks/enroll-api/pkg/config"
	"github.com/campusworks/enroll-api/pkg/database"
	"github.com/campusworks/enroll-api/pkg/jobs"
	"github.com/campusworks/enroll-api/pkg/logger"
	corsmiddleware "github.com/campusworks/enroll-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campusworks/enroll-api/pkg/middleware/requestid"
)

// @title Enroll API
// @version 1.0.0
// @description Course enrollment request workflow service
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, pending-count cache disabled", "error", err)
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	requestRepo := repository.NewEnrollmentRequestRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	userRepo := repository.NewUserRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Services.
	metricsSvc := service.NewMetricsService()

	var notifier *service.QueueNotifier
	if cfg.Notifications.Enabled {
		notifier = service.NewQueueNotifier(notificationRepo, logr, jobs.QueueConfig{
			Workers:    cfg.Notifications.Workers,
			BufferSize: cfg.Notifications.BufferSize,
			MaxRetries: cfg.Notifications.MaxRetries,
			RetryDelay: cfg.Notifications.RetryDelay,
			Logger:     logr,
		})
		notifier.Start(ctx)
		defer notifier.Stop()
	}

	requestOpts := []service.EnrollmentRequestServiceOption{
		service.WithTransitionMetrics(metricsSvc),
		service.WithBulkWorkers(cfg.Bulk.Workers),
	}
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		defer cacheRepo.Close()
		cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.PendingCount.CacheTTL, logr)
		requestOpts = append(requestOpts, service.WithPendingCountCache(cacheSvc, cfg.PendingCount.CacheTTL))
	}

	var requestNotifier service.Notifier
	if notifier != nil {
		requestNotifier = notifier
	}
	requestSvc := service.NewEnrollmentRequestService(requestRepo, studentRepo, courseRepo, requestNotifier, nil, logr, requestOpts...)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, studentRepo, logr)
	courseSvc := service.NewCourseService(courseRepo, logr)
	notificationSvc := service.NewNotificationService(notificationRepo, logr)
	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "enroll-api",
	})

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		exportSvc = service.NewExportService(requestRepo, nil, nil, logr)
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	var exports handler.RequestExporter
	if exportSvc != nil {
		exports = exportSvc
	}
	requestHandler := handler.NewEnrollmentRequestHandler(requestSvc, exports)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	authed := api.Group("", middleware.JWT(authSvc))
	adminOnly := middleware.RequireRoles(models.RoleAdmin)

	requests := authed.Group("/enrollment-requests")
	{
		requests.POST("", requestHandler.Create)
		requests.GET("", requestHandler.List)
		requests.GET("/pending-count", adminOnly, requestHandler.PendingCount)
		requests.GET("/export", adminOnly, requestHandler.Export)
		requests.POST("/bulk", adminOnly, requestHandler.BulkProcess)
		requests.GET("/:id", requestHandler.Get)
		requests.DELETE("/:id", requestHandler.Delete)
		requests.PUT("/:id/approve", adminOnly, requestHandler.Approve)
		requests.PUT("/:id/reject", adminOnly, requestHandler.Reject)
	}

	authed.GET("/enrollments", enrollmentHandler.List)
	authed.GET("/courses", courseHandler.List)
	authed.GET("/courses/:id", courseHandler.Get)
	authed.GET("/notifications", notificationHandler.List)
	authed.PUT("/notifications/:id/read", notificationHandler.MarkRead)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
