// Package eventcodec marshals and unmarshals common.Event for
// transport over internal/eventbus (spec.md §6.2's "framed records").
// A shard publishes events with its own concrete payload types
// (internal/engine's *Payload structs); independent consumers —
// internal/marketdata's aggregator, a persistence worker — read them
// back from a different process, so the wire form must carry enough
// to reconstruct the same concrete Go type on the other side. This is
// new territory relative to the teacher, which never separates
// producer and consumer processes; it follows the same
// discriminated-union idiom spec.md §6.1/§6.3 already use for
// request/client frames (a kind field selects the payload shape).
package eventcodec

import (
	"encoding/json"
	"fmt"
	"time"

	"coreexchange/internal/common"
	"coreexchange/internal/engine"
)

type wireEvent struct {
	Seq     uint64           `json:"seq"`
	Ts      int64            `json:"ts"` // unix nanos
	Shard   uint32           `json:"shard"`
	Kind    common.EventKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

// Encode serializes an event for Bus.Append.
func Encode(e common.Event) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventcodec: marshal payload: %w", err)
	}
	return json.Marshal(wireEvent{
		Seq:     e.Seq,
		Ts:      e.Ts.UnixNano(),
		Shard:   e.Shard,
		Kind:    e.Kind,
		Payload: payload,
	})
}

// Decode reconstructs an event from bytes previously produced by
// Encode, restoring Payload to the concrete *Payload type that
// matches Kind so callers can type-assert on it exactly as a
// same-process subscriber would.
func Decode(data []byte) (common.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return common.Event{}, fmt.Errorf("eventcodec: unmarshal envelope: %w", err)
	}

	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return common.Event{}, err
	}

	return common.Event{
		Seq:     w.Seq,
		Ts:      time.Unix(0, w.Ts),
		Shard:   w.Shard,
		Kind:    w.Kind,
		Payload: payload,
	}, nil
}

// decodePayload unmarshals into the same concrete value type (not a
// pointer) that the engine assigns to Event.Payload at emission time,
// so marketdata.Aggregator.Handle's e.Payload.(engine.XPayload) type
// assertions succeed identically whether the event arrived same-
// process or round-tripped through the bus.
func decodePayload(kind common.EventKind, raw json.RawMessage) (any, error) {
	switch kind {
	case common.OrderAccepted:
		var p engine.OrderAcceptedPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case common.OrderRejected:
		var p engine.OrderRejectedPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case common.OrderFilled:
		var p engine.OrderFilledPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case common.OrderCancelled:
		var p engine.OrderCancelledPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case common.TradeExecuted:
		var p engine.TradeExecutedPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case common.BalanceChanged:
		var p engine.BalanceChangedPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case common.MarketHalted:
		var p engine.MarketHaltedPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("eventcodec: unknown event kind %d", kind)
	}
}
