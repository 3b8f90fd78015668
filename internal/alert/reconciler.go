// Package alert turns check results into alert upserts on the collector.
package alert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/protocol"
	"github.com/signalnine/nodepulse/internal/transport"
)

// ErrEmptyNodeID is returned when dispatch is attempted without a node identity
var ErrEmptyNodeID = errors.New("alert dispatch requires a node id")

// Outcome is the transport result for one record
type Outcome struct {
	Type       string
	Solved     bool
	StatusCode int
	Err        error
}

// Delivered reports a 2xx reply without transport error
func (o Outcome) Delivered() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// Reconciler posts every record as an upsert. It keeps no local state:
// the collector deduplicates by type.
type Reconciler struct {
	poster transport.Poster
	url    string
	apiKey string
	log    *zap.SugaredLogger
}

// NewReconciler creates a reconciler posting to url
func NewReconciler(poster transport.Poster, url, apiKey string, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{poster: poster, url: url, apiKey: apiKey, log: logger.OrNop(log)}
}

// Payload builds the upsert body for one record
func (r *Reconciler) Payload(nodeID string, rec protocol.AlertRecord) protocol.AlertUpsert {
	return protocol.AlertUpsert{
		APIKey:      r.apiKey,
		NodeID:      nodeID,
		Type:        rec.Type,
		Description: rec.Description,
		Solved:      rec.Solved,
	}
}

// Dispatch sends records in order and returns one outcome per record.
// A failed post does not stop the remaining ones.
func (r *Reconciler) Dispatch(ctx context.Context, nodeID string, records []protocol.AlertRecord) []Outcome {
	outcomes := make([]Outcome, 0, len(records))
	for _, rec := range records {
		out := Outcome{Type: rec.Type, Solved: rec.Solved}

		switch {
		case nodeID == "":
			out.Err = ErrEmptyNodeID
		case ctx.Err() != nil:
			out.Err = ctx.Err()
		default:
			resp, err := r.poster.PostJSON(ctx, r.url, r.Payload(nodeID, rec))
			if err != nil {
				out.Err = fmt.Errorf("post alert %s: %w", rec.Type, err)
			} else {
				out.StatusCode = resp.StatusCode
				if !resp.OK() {
					out.Err = fmt.Errorf("collector returned %d: %s", resp.StatusCode, resp.Raw)
				}
			}
		}

		if out.Err != nil {
			r.log.Warnw("Alert upsert failed", "type", rec.Type, "solved", rec.Solved, "error", out.Err)
		} else {
			r.log.Debugw("Alert upserted", "type", rec.Type, "solved", rec.Solved)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Failed counts outcomes that were not delivered
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.Delivered() {
			n++
		}
	}
	return n
}
