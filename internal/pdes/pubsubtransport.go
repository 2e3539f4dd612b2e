package pdes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
)

// PubSubTransport implements Transport across process/host boundaries:
// events travel over a Google Cloud Pub/Sub topic with a per-ordered-pair
// ordering key (mirroring internal/events' per-PE ordering key), and the
// GVT reduction's two-phase barrier is coordinated through Redis INCR/GET
// rather than LocalTransport's in-process channel, since no single
// process can run the barrier goroutine when PEs are split across hosts.
type PubSubTransport struct {
	runID string
	peID  int
	numPE int

	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	rdb *redis.Client

	inbox  chan WireEvent
	cancel context.CancelFunc
}

// NewPubSubTransport creates (or attaches to) the run's shared topic and
// a subscription filtered to messages addressed to peID, then starts a
// background receive loop feeding Recv's inbox channel. runID namespaces
// both the subscription name and the Redis keys used for GVT reduction,
// so multiple runs can share a project/topic and a Redis instance without
// colliding.
func NewPubSubTransport(ctx context.Context, projectID, topicID, runID string, peID, numPE int, rdb *redis.Client) (*PubSubTransport, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, &TransportError{Op: "new_client", Err: err}
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, &TransportError{Op: "topic_exists", Err: err}
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, &TransportError{Op: "create_topic", Err: err}
		}
	}
	topic.EnableMessageOrdering = true

	subID := fmt.Sprintf("%s-%s-pe-%d", topicID, runID, peID)
	sub := client.Subscription(subID)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, &TransportError{Op: "sub_exists", Err: err}
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:                 topic,
			Filter:                fmt.Sprintf(`attributes.run_id = "%s" AND attributes.to_pe = "%d"`, runID, peID),
			EnableMessageOrdering: true,
		})
		if err != nil {
			client.Close()
			return nil, &TransportError{Op: "create_sub", Err: err}
		}
	}

	t := &PubSubTransport{
		runID:  runID,
		peID:   peID,
		numPE:  numPE,
		client: client,
		topic:  topic,
		sub:    sub,
		rdb:    rdb,
		inbox:  make(chan WireEvent, 256),
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.receiveLoop(recvCtx)

	return t, nil
}

func (t *PubSubTransport) receiveLoop(ctx context.Context) {
	t.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var wire WireEvent
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			msg.Nack()
			return
		}
		select {
		case t.inbox <- wire:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
}

// Send publishes wire with an ordering key unique to the (fromPE, toPE)
// pair, so events between the same two PEs are delivered in send order
// without requiring a global ordering key across the whole topic.
func (t *PubSubTransport) Send(ctx context.Context, fromPE, toPE int, wire WireEvent) error {
	payload, err := json.Marshal(wire)
	if err != nil {
		return &TransportError{Op: "marshal", Err: err}
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"run_id":  t.runID,
			"from_pe": strconv.Itoa(fromPE),
			"to_pe":   strconv.Itoa(toPE),
		},
		OrderingKey: fmt.Sprintf("%s:%d->%d", t.runID, fromPE, toPE),
	}

	result := t.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Recv returns the next event addressed to pe, blocking until one
// arrives, ctx is cancelled, or the transport is closed.
func (t *PubSubTransport) Recv(ctx context.Context, pe int) (WireEvent, error) {
	select {
	case wire, ok := <-t.inbox:
		if !ok {
			return WireEvent{}, &TransportError{Op: "recv", Err: context.Canceled}
		}
		return wire, nil
	case <-ctx.Done():
		return WireEvent{}, &TransportError{Op: "recv", Err: ctx.Err()}
	}
}

// gvtRoundKey and friends namespace the Redis keys used for one round of
// the distributed two-phase reduction under this run and PE count, so a
// round number is never ambiguous across concurrent runs sharing Redis.
func (t *PubSubTransport) gvtRoundKey(round uint64) string {
	return fmt.Sprintf("pdes:%s:gvt:round:%d", t.runID, round)
}

// Reduce implements the same two-phase reduction LocalTransport performs
// in-process, but over Redis so PEs spread across hosts can participate.
// A single shared ticket counter assigns each Reduce call (from any PE,
// including retries of an unresolved round) a globally ordered ticket;
// every run of numPE consecutive tickets forms one round's bucket, the
// same grouping LocalTransport's reduceLoop gets for free by batching
// whatever numPE submissions arrive next. The PE whose ticket completes
// the bucket computes the minimum and the sent/received balance and
// publishes the round's result; every PE (including the one that
// computed it) reads the result back the same way.
func (t *PubSubTransport) Reduce(ctx context.Context, local GVTReport) (VirtualTime, error) {
	ticket, err := t.rdb.Incr(ctx, fmt.Sprintf("pdes:%s:gvt:ticket", t.runID)).Result()
	if err != nil {
		return 0, &TransportError{Op: "reduce_ticket", Err: err}
	}
	round := (uint64(ticket) - 1) / uint64(t.numPE)
	key := t.gvtRoundKey(round)

	field := fmt.Sprintf("pe:%d", local.PE)
	entry, err := json.Marshal(local)
	if err != nil {
		return 0, &TransportError{Op: "reduce_marshal", Err: err}
	}
	if err := t.rdb.HSet(ctx, key, field, entry).Err(); err != nil {
		return 0, &TransportError{Op: "reduce_hset", Err: err}
	}
	t.rdb.Expire(ctx, key, time.Minute)

	// The ticket holding the last slot in the bucket is the one
	// deterministically responsible for computing and publishing the
	// round's result, avoiding a race between concurrently-arriving
	// PEs over who gets to finalize it.
	slot := (uint64(ticket) - 1) % uint64(t.numPE)
	resultKey := key + ":result"
	if slot == uint64(t.numPE-1) {
		gvt, err := t.computeAndPublishResult(ctx, key, resultKey)
		if err != nil {
			return 0, err
		}
		return gvt, nil
	}

	return t.awaitResult(ctx, resultKey)
}

func (t *PubSubTransport) computeAndPublishResult(ctx context.Context, key, resultKey string) (VirtualTime, error) {
	all, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, &TransportError{Op: "reduce_hgetall", Err: err}
	}

	gvt := VirtualTime(math.Inf(1))
	var sent, received uint64
	for _, raw := range all {
		var report GVTReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			continue
		}
		if report.LocalMin < gvt {
			gvt = report.LocalMin
		}
		sent += report.Sent
		received += report.Received
	}
	if sent != received {
		gvt = VirtualTime(math.NaN())
	}

	encoded := strconv.FormatFloat(float64(gvt), 'g', -1, 64)
	if err := t.rdb.Set(ctx, resultKey, encoded, time.Minute).Err(); err != nil {
		return 0, &TransportError{Op: "reduce_set_result", Err: err}
	}
	return gvt, nil
}

// awaitResult polls for the round's published result. A short poll
// interval is acceptable here: GVT reductions happen every GVTInterval
// scheduler steps, not on every event, so the coordination overhead is
// amortized.
func (t *PubSubTransport) awaitResult(ctx context.Context, resultKey string) (VirtualTime, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			val, err := t.rdb.Get(ctx, resultKey).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return 0, &TransportError{Op: "reduce_poll", Err: err}
			}
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return 0, &TransportError{Op: "reduce_parse", Err: err}
			}
			return VirtualTime(f), nil
		case <-ctx.Done():
			return 0, &TransportError{Op: "reduce_poll", Err: ctx.Err()}
		}
	}
}

func (t *PubSubTransport) Close() error {
	t.cancel()
	t.topic.Stop()
	if err := t.client.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}
