package app

import (
	"context"
	"encoding/json"
	"fmt"

	"taskherd/internal/engine"
)

// jobRequest is the filter payload the trigger hands to the builder. Items
// are opaque to everything except the processor.
type jobRequest struct {
	Kind  string            `json:"kind"`
	Items []json.RawMessage `json:"items"`
}

// storeBuilder seeds a job and its items into the task store. An empty item
// list is the "nothing to do" outcome, not an error.
type storeBuilder struct {
	store engine.TaskStore
}

func (b *storeBuilder) Build(ctx context.Context, filters json.RawMessage) (engine.Job, bool, error) {
	var req jobRequest
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &req); err != nil {
			return engine.Job{}, false, fmt.Errorf("parse job filters: %w", err)
		}
	}
	if len(req.Items) == 0 {
		return engine.Job{}, false, nil
	}
	kind := req.Kind
	if kind == "" {
		kind = "batch"
	}

	jobID, err := b.store.CreateJob(ctx, kind)
	if err != nil {
		return engine.Job{}, false, err
	}
	payloads := make([][]byte, len(req.Items))
	for i, it := range req.Items {
		payloads[i] = []byte(it)
	}
	if err := b.store.BulkInsertItems(ctx, jobID, payloads); err != nil {
		return engine.Job{}, false, err
	}
	return engine.Job{ID: jobID, Kind: kind, Status: engine.JobPending}, true, nil
}
