package revbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"attest/pkg/models"
	"attest/pkg/revocation"
)

// Run consumes revocation records and applies them to the local graph
// until ctx is cancelled. Malformed messages are logged and skipped so one
// bad record never wedges the consumer group.
func Run(ctx context.Context, consumer Consumer, graph *revocation.Graph) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("revbus: read: %v", err)
			continue
		}
		var rec models.RevocationRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Printf("revbus: skip malformed record: %v", err)
			continue
		}
		if rec.TargetID == "" {
			log.Printf("revbus: skip record without target")
			continue
		}
		if err := graph.Apply(ctx, rec); err != nil {
			log.Printf("revbus: apply %s: %v", rec.TargetID, err)
		}
	}
}
