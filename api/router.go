package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRouter creates and configures the Gin router
func SetupRouter() *gin.Engine {
	router := gin.Default()

	// Start the maintenance schedule runner on startup
	EnsureScheduleRunner()

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"} // Configure appropriately in production
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	// Health check
	router.GET("/health", HealthCheck)

	// API routes
	api := router.Group("/api")
	{
		// Migrations
		api.POST("/migrations", StartMigration)
		api.GET("/migrations", ListTasks)
		api.GET("/migrations/:taskID", GetStatus)
		api.POST("/migrations/:taskID/pause", PauseTask)
		api.POST("/migrations/:taskID/resume", ResumeTask)
		api.DELETE("/migrations/:taskID", CancelTask)

		// Visibility relay for idle-time scheduling
		api.POST("/visibility", SetVisibility)

		// Corruption recovery
		api.POST("/repair", RepairStorage)

		// Scheduled maintenance
		api.POST("/schedules", CreateSchedule)
		api.GET("/schedules", ListSchedules)
		api.GET("/schedules/stats", GetSchedulerStats)
		api.GET("/schedules/:id", GetSchedule)
		api.DELETE("/schedules/:id", DeleteSchedule)
		api.POST("/schedules/:id/enable", EnableSchedule)
		api.POST("/schedules/:id/disable", DisableSchedule)
		api.POST("/schedules/:id/run", RunScheduleNow)
	}

	return router
}
