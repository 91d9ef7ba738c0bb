// Package message defines the JSON wire form shared by the broker and the
// worker.
//
// Every message is a single flat JSON object. The keys correlation_id,
// reply_to and error are reserved for the envelope; everything else belongs
// to the caller's payload or the handler's result.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

const (
	FieldCorrelationID = "correlation_id"
	FieldReplyTo       = "reply_to"
	FieldError         = "error"
)

var (
	// ErrMalformed reports a body that is not a valid envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrReservedField reports a payload or result that uses an envelope key.
	ErrReservedField = errors.New("reserved field")
)

// WorkItem is a request travelling from a broker to a worker.
type WorkItem struct {
	CorrelationID string
	// ReplyTo names the channel the worker should answer on. Empty means
	// the shared result channel.
	ReplyTo string
	Payload map[string]any
}

// ResultItem is a worker's answer. Exactly one of Payload and Error is
// meaningful, selected by Failed.
type ResultItem struct {
	CorrelationID string
	Payload       map[string]any
	Failed        bool
	Error         string
}

// NewSuccess builds a successful result. Results that carry an envelope key
// would be ambiguous on the wire and are rejected with ErrReservedField.
func NewSuccess(correlationID string, payload map[string]any) (ResultItem, error) {
	for _, key := range []string{FieldError, FieldCorrelationID} {
		if _, ok := payload[key]; ok {
			return ResultItem{}, reservedError("result", key)
		}
	}
	return ResultItem{CorrelationID: correlationID, Payload: payload}, nil
}

// NewFailure builds an error result.
func NewFailure(correlationID, msg string) ResultItem {
	return ResultItem{CorrelationID: correlationID, Failed: true, Error: msg}
}

// EncodeWork flattens item into its wire form.
func EncodeWork(item WorkItem) ([]byte, error) {
	if item.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, FieldCorrelationID)
	}
	for _, key := range []string{FieldCorrelationID, FieldReplyTo, FieldError} {
		if _, ok := item.Payload[key]; ok {
			return nil, reservedError("payload", key)
		}
	}

	wire := make(map[string]any, len(item.Payload)+2)
	maps.Copy(wire, item.Payload)
	wire[FieldCorrelationID] = item.CorrelationID
	if item.ReplyTo != "" {
		wire[FieldReplyTo] = item.ReplyTo
	}
	return json.Marshal(wire)
}

// DecodeWork parses a work body. On ErrMalformed or ErrReservedField the
// returned item still carries the correlation id when one could be
// recovered, so the worker can answer with an error instead of leaving the
// caller to time out.
func DecodeWork(body []byte) (WorkItem, error) {
	wire, err := decodeObject(body)
	if err != nil {
		return WorkItem{}, err
	}

	var item WorkItem
	id, err := stringField(wire, FieldCorrelationID, true)
	if err != nil {
		return item, err
	}
	item.CorrelationID = id
	if item.ReplyTo, err = stringField(wire, FieldReplyTo, false); err != nil {
		return item, err
	}
	if _, ok := wire[FieldError]; ok {
		return item, reservedError("payload", FieldError)
	}

	delete(wire, FieldCorrelationID)
	delete(wire, FieldReplyTo)
	item.Payload = wire
	return item, nil
}

// EncodeResult flattens item into its wire form.
func EncodeResult(item ResultItem) ([]byte, error) {
	if item.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, FieldCorrelationID)
	}
	if item.Failed {
		return json.Marshal(map[string]any{
			FieldCorrelationID: item.CorrelationID,
			FieldError:         item.Error,
		})
	}
	checked, err := NewSuccess(item.CorrelationID, item.Payload)
	if err != nil {
		return nil, err
	}

	wire := make(map[string]any, len(checked.Payload)+1)
	maps.Copy(wire, checked.Payload)
	wire[FieldCorrelationID] = checked.CorrelationID
	return json.Marshal(wire)
}

// DecodeResult parses a result body. The presence of the error key, not its
// value, marks a failure.
func DecodeResult(body []byte) (ResultItem, error) {
	wire, err := decodeObject(body)
	if err != nil {
		return ResultItem{}, err
	}

	id, err := stringField(wire, FieldCorrelationID, true)
	if err != nil {
		return ResultItem{}, err
	}
	delete(wire, FieldCorrelationID)

	if raw, ok := wire[FieldError]; ok {
		msg, isString := raw.(string)
		if !isString {
			msg = fmt.Sprint(raw)
		}
		return NewFailure(id, msg), nil
	}
	return ResultItem{CorrelationID: id, Payload: wire}, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var wire map[string]any
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformed)
	}
	return wire, nil
}

func stringField(wire map[string]any, key string, required bool) (string, error) {
	raw, ok := wire[key]
	if !ok {
		if required {
			return "", fmt.Errorf("%w: missing %s", ErrMalformed, key)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, key)
	}
	if required && value == "" {
		return "", fmt.Errorf("%w: empty %s", ErrMalformed, key)
	}
	return value, nil
}

func reservedError(where, key string) error {
	return fmt.Errorf("%s uses %w %q", where, ErrReservedField, key)
}
