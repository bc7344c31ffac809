package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/wire"
)

// peerLookupTimeout bounds each individual ListOperatorInstances/Ping
// round trip (spec.md §4.7 gives no explicit value for this one; the
// retry backoff it does specify, 1s/2s, sets the scale).
const peerLookupTimeout = 5 * time.Second

// pingBackoff is spec.md §4.7's peer-discovery retry schedule:
// "Retry up to 2x with linear backoff (1s, 2s)."
var pingBackoff = []time.Duration{time.Second, 2 * time.Second}

// LocatePeer implements spec.md §4.7's producer/consumer peer
// discovery: ask the query handler which instance currently serves
// operatorID, then confirm it is reachable with a Ping/Pong before
// handing back its address. Used by the scan and materialize tasks to
// find their declared exchange instance before pushing or pulling
// records against it.
func LocatePeer(ctx context.Context, p *pipe.Pipe, self TaskAssignment, operatorID string) (wire.RouteTo, error) {
	loc, err := listOperatorInstance(ctx, p, self, operatorID)
	if err != nil {
		return wire.RouteTo{}, err
	}

	target := wire.RouteTo{Worker: loc.WorkerID, Operation: loc.InstanceID}
	var lastErr error
	for attempt := 0; ; attempt++ {
		ping := wire.NewMessage(wire.KindPing, &wire.PingPayload{})
		ping.To = target

		reply, err := p.SendRequest(ctx, ping, wire.KindPong, peerLookupTimeout)
		if err == nil {
			pong := reply.Body.(*wire.PongPayload)
			return wire.RouteTo{Worker: pong.WorkerID, Operation: loc.InstanceID}, nil
		}
		lastErr = err
		if attempt >= len(pingBackoff) {
			return wire.RouteTo{}, fmt.Errorf("operator: ping %s (instance %s): %w", operatorID, loc.InstanceID, lastErr)
		}
		select {
		case <-time.After(pingBackoff[attempt]):
		case <-ctx.Done():
			return wire.RouteTo{}, ctx.Err()
		}
	}
}

// listOperatorInstance asks the query handler for operatorID's
// current instance, retrying on the same backoff schedule while the
// answer comes back empty (the instance may not have been assigned
// yet — spec.md §4.6's capacity handshake runs concurrently with this
// lookup).
func listOperatorInstance(ctx context.Context, p *pipe.Pipe, self TaskAssignment, operatorID string) (wire.OperatorInstanceLocation, error) {
	req := wire.NewMessage(wire.KindListOperatorInstancesRequest, &wire.ListOperatorInstancesRequestPayload{
		QueryID:    self.QueryID,
		OperatorID: operatorID,
	})
	req.To = wire.RouteTo{Worker: self.QueryHandler.Worker, Operation: self.QueryHandler.Operation}

	for attempt := 0; ; attempt++ {
		reply, err := p.SendRequest(ctx, req, wire.KindListOperatorInstancesResponse, peerLookupTimeout)
		if err == nil {
			body := reply.Body.(*wire.ListOperatorInstancesResponsePayload)
			if len(body.Instances) > 0 {
				return body.Instances[0], nil
			}
		} else if attempt >= len(pingBackoff) {
			return wire.OperatorInstanceLocation{}, fmt.Errorf("operator: list instances of %s: %w", operatorID, err)
		}
		if attempt >= len(pingBackoff) {
			return wire.OperatorInstanceLocation{}, fmt.Errorf("operator: %s has no assigned instance yet", operatorID)
		}
		select {
		case <-time.After(pingBackoff[attempt]):
		case <-ctx.Done():
			return wire.OperatorInstanceLocation{}, ctx.Err()
		}
	}
}
