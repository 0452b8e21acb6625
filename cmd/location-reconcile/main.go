package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Compares the current-location index with the net of the movement ledger.
// By default it only reports drift; pass -repair to rewrite the index from
// the ledger.
func main() {
	repair := flag.Bool("repair", false, "rewrite drifted index rows from the ledger")
	flag.Parse()

	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()

	mismatches, err := workflow.ReconcileItemLocations(context.Background(), logger, *repair)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "location-reconcile"}).Error(err.Error())
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]interface{}{
		"drifted":  len(mismatches),
		"repaired": *repair,
		"details":  mismatches,
	})
	if len(mismatches) > 0 && !*repair {
		os.Exit(2)
	}
}
