package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"kvmigrate/api"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	api.InitTaskManager(log)

	router := api.SetupRouter()

	log.Infof("Starting migration API server on port %s", port)
	log.Infof("Health check: http://localhost:%s/health", port)

	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
