package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrityScan verifies on-hand quantities against ledger history.
	TaskLedgerIntegrityScan = "ledger:integrity_scan"
)

// IntegrityScanPayload narrows a scan to one scope when VesselID and
// ProductID are set; zero values scan everything.
type IntegrityScanPayload struct {
	VesselID    int64 `json:"vessel_id"`
	ProductID   int64 `json:"product_id"`
	Parallelism int   `json:"parallelism"`
}

// NewIntegrityScanTask constructs an Asynq task for a full scan.
func NewIntegrityScanTask(parallelism int) (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityScanPayload{Parallelism: parallelism})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrityScan, data), nil
}

// NewScopedIntegrityScanTask constructs a task checking a single scope.
func NewScopedIntegrityScanTask(vesselID, productID int64) (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityScanPayload{VesselID: vesselID, ProductID: productID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrityScan, data), nil
}
