package main

import (
	"context"
	"encoding/json"
	"os"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Rebuilds every raw material stock balance from its heat numbers and prints
// the materials that had drifted. Run after manual data surgery or on a
// schedule.
func main() {
	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	mismatches, err := workflow.RebuildStockBalances(context.Background(), logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "stockbalance-rebuild"}).Error(err.Error())
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]interface{}{
		"drifted": len(mismatches),
		"details": mismatches,
	})
	if len(mismatches) > 0 {
		os.Exit(2)
	}
}
