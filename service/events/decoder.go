// Package events decodes the JSON payloads fog nodes publish on the raw
// transaction and fraud result topics.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// DefaultFeatureDimension is the number of V-features (V1..V28) in a transaction.
const DefaultFeatureDimension = 28

// ErrDecode is matched by every *DecodeError via errors.Is.
var ErrDecode = errors.New("decode error")

// DecodeError describes why a payload was rejected.
type DecodeError struct {
	Topic  string
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode " + e.Topic
	if e.Field != "" {
		msg += " field " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Decoder maps topics to event kinds and validates payloads.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	rawTopic     string
	resultsTopic string
	dimension    int
}

// NewDecoder creates a decoder for the given topic names. A dimension of
// zero or less selects DefaultFeatureDimension.
func NewDecoder(rawTopic, resultsTopic string, dimension int) *Decoder {
	if dimension <= 0 {
		dimension = DefaultFeatureDimension
	}
	return &Decoder{
		rawTopic:     rawTopic,
		resultsTopic: resultsTopic,
		dimension:    dimension,
	}
}

// Topics returns the raw and results topic names, in that order.
func (d *Decoder) Topics() []string {
	return []string{d.rawTopic, d.resultsTopic}
}

// KindOf returns the event kind carried by topic.
func (d *Decoder) KindOf(topic string) (Kind, bool) {
	switch topic {
	case d.rawTopic:
		return KindTransaction, true
	case d.resultsTopic:
		return KindFraudResult, true
	}
	return "", false
}

// Decode parses one message. It returns *TransactionEvent or *FraudEvent,
// or a *DecodeError.
func (d *Decoder) Decode(topic string, payload []byte) (Event, error) {
	kind, ok := d.KindOf(topic)
	if !ok {
		return nil, &DecodeError{Topic: topic, Reason: "unknown topic"}
	}

	fields, err := parseObject(payload)
	if err != nil {
		return nil, &DecodeError{Topic: topic, Reason: "payload is not a JSON object", Err: err}
	}

	r := fieldReader{topic: topic, fields: fields}
	switch kind {
	case KindTransaction:
		ev := &TransactionEvent{
			NodeID:   r.nodeID(),
			Time:     r.number("Time"),
			Features: make([]float64, d.dimension),
		}
		for i := range ev.Features {
			ev.Features[i] = r.number("V" + strconv.Itoa(i+1))
		}
		ev.Amount = r.number("Amount")
		if r.err != nil {
			return nil, r.err
		}
		return ev, nil
	default:
		ev := &FraudEvent{
			NodeID: r.nodeID(),
			Time:   r.number("Time"),
		}
		p := r.number("Prediction")
		if r.err != nil {
			return nil, r.err
		}
		if p != PredictionLegitimate && p != PredictionFraud {
			return nil, &DecodeError{Topic: topic, Field: "Prediction", Reason: fmt.Sprintf("must be 0 or 1, got %v", p)}
		}
		ev.Prediction = int(p)
		return ev, nil
	}
}

func parseObject(payload []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("expected '{'")
	}
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}
	return fields, nil
}

// fieldReader records the first failure so callers can read every field
// and check once.
type fieldReader struct {
	topic  string
	fields map[string]json.RawMessage
	err    error
}

func (r *fieldReader) fail(field, reason string) {
	if r.err == nil {
		r.err = &DecodeError{Topic: r.topic, Field: field, Reason: reason}
	}
}

func (r *fieldReader) raw(field string) (json.RawMessage, bool) {
	v, ok := r.fields[field]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		r.fail(field, "missing required field")
		return nil, false
	}
	return v, true
}

func (r *fieldReader) nodeID() string {
	v, ok := r.raw("Node_ID")
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.fail("Node_ID", "must be a string")
		return ""
	}
	if s == "" {
		r.fail("Node_ID", "must not be empty")
	}
	return s
}

func (r *fieldReader) number(field string) float64 {
	v, ok := r.raw(field)
	if !ok {
		return 0
	}
	var n json.Number
	if bytes.HasPrefix(bytes.TrimSpace(v), []byte(`"`)) {
		r.fail(field, "must be a number")
		return 0
	}
	if err := json.Unmarshal(v, &n); err != nil {
		r.fail(field, "must be a number")
		return 0
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		r.fail(field, "must be a finite number")
		return 0
	}
	return f
}
