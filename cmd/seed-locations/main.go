package main

import (
	"context"
	"os"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/models"
	"github.com/sirupsen/logrus"
)

// Seeds the standard factory location tree. Idempotent, existing codes are
// left alone.
func main() {
	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()

	if err := models.MigrateTable(); err != nil {
		logger.WithFields(logrus.Fields{"field": "seed-locations"}).Error(err.Error())
		os.Exit(1)
	}
	created, err := models.SeedDefaultLocations(context.Background())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "seed-locations"}).Error(err.Error())
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":   "seed-locations",
		"created": created,
	}).Info("location seed completed")
}
