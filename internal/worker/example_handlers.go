// Package worker holds example job handlers showing how to register
// against the job registry. Applications register their own handlers the
// same way; these exist purely as a starting reference.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joblet/joblet/internal/job"
	"github.com/joblet/joblet/internal/logger"
)

// argAt decodes the i'th positional argument into v.
func argAt(e *job.Envelope, i int, v interface{}) error {
	if i >= len(e.Args) {
		return fmt.Errorf("job %s: expected at least %d args, got %d", e.JID, i+1, len(e.Args))
	}
	data, err := json.Marshal(e.Args[i])
	if err != nil {
		return fmt.Errorf("job %s: re-marshal arg %d: %w", e.JID, i, err)
	}
	return json.Unmarshal(data, v)
}

// HandleCountItems counts the items in its first argument, a JSON array.
func HandleCountItems(ctx context.Context, e *job.Envelope) error {
	var items []string
	if err := argAt(e, 0, &items); err != nil {
		return err
	}
	logger.Default().Info("counted items", "jid", e.JID, "count", len(items))
	return nil
}

// HandleSendEmail simulates sending an email described by its first argument.
func HandleSendEmail(ctx context.Context, e *job.Envelope) error {
	var email struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := argAt(e, 0, &email); err != nil {
		return err
	}
	logger.Default().Info("sending email", "jid", e.JID, "to", email.To)
	time.Sleep(2 * time.Second)
	return nil
}

// HandleProcessData simulates a longer-running data-processing job.
func HandleProcessData(ctx context.Context, e *job.Envelope) error {
	logger.Default().Info("processing data", "jid", e.JID)
	time.Sleep(3 * time.Second)
	return nil
}
