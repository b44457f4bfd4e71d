package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/movierec/internal/api/handler"
	"github.com/timmy/movierec/internal/api/middleware"
	"github.com/timmy/movierec/internal/config"
)

// Services are the service-layer dependencies of the router.
type Services struct {
	Ratings     handler.RatingWriter
	Recommender handler.Recommender
	Models      handler.ModelSwitcher
	Checks      map[string]handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, cfg config.ServerConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
		MaxAgeSeconds:   cfg.CORS.MaxAgeSeconds,
	}))

	healthHandler := handler.NewHealthHandler(svc.Models, svc.Checks)
	ratingHandler := handler.NewRatingHandler(svc.Ratings)
	recommendHandler := handler.NewRecommendHandler(svc.Recommender)
	adminHandler := handler.NewAdminHandler(svc.Models)

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		users := v1.Group("/users/:id")
		users.POST("/ratings", ratingHandler.RecordRating)
		users.DELETE("/ratings/:movie_id", ratingHandler.DeleteRating)
		users.POST("/exclusions", ratingHandler.Dismiss)
		users.PUT("/genres", ratingHandler.SetGenres)
		users.GET("/recommendations", recommendHandler.Recommend)

		admin := v1.Group("/admin")
		admin.GET("/models", adminHandler.ListModels)
		admin.GET("/models/current", adminHandler.CurrentModel)
		admin.POST("/models/:version/activate", adminHandler.ActivateModel)
	}

	return r
}
