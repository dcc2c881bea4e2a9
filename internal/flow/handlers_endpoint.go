package flow

import (
	"context"
	"fmt"
)

// executeEndpoint merges an already-received external payload and advances,
// or pauses the branch until the correlator resumes it. An endpoint node
// without an access key can never authenticate a caller, so it is treated as
// a configuration error and skipped.
func (i *Interpreter) executeEndpoint(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if d.AccessKey == "" {
		recordConfigError(ec, "endpoint node missing access key")
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	record, err := i.store.GetEndpointRecord(ctx, ec.Bot.ID, ec.Node.ID)
	if err != nil {
		return fmt.Errorf("failed to load endpoint record: %w", err)
	}
	if record == nil {
		// Nothing received yet; park until Receive resumes us.
		return nil
	}
	for k, v := range record.Payload {
		ec.Session.SetVariable(k, v)
	}
	ec.Session.SetVariable("_endpoint_requests_"+ec.Node.ID, record.RequestCount)
	return i.Advance(ctx, ec, ec.Node.ID)
}
