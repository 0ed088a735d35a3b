package cmd

import (
	"strconv"
	"time"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/orchestrator"
)

// newOrchestrator builds an orchestrator from the config table, falling
// back to defaults for unset keys.
func newOrchestrator(manager *connection.Manager) *orchestrator.Orchestrator {
	slots := configInt(models.ConfigWorkerSlots, models.DefaultWorkerSlots)
	parallel := configInt(models.ConfigBatchParallel, models.DefaultBatchParallel)
	timeout := models.DefaultAdapterTimeout
	if secs := configInt(models.ConfigAdapterTimeout, 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	return orchestrator.New(manager, slots, parallel, timeout)
}

func configInt(key string, fallback int) int {
	raw, err := db.GetConfig(key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
