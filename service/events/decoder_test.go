package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRawTopic     = "fog.transactions.raw"
	testResultsTopic = "fog.transactions.results"
)

func newTestDecoder() *Decoder {
	return NewDecoder(testRawTopic, testResultsTopic, 0)
}

// transactionPayload builds a raw transaction payload with V1..V28 set to i/100.
func transactionPayload(t *testing.T, mutate func(map[string]interface{})) []byte {
	t.Helper()
	m := map[string]interface{}{
		"Node_ID": "Fog_Node_1",
		"Time":    70178,
		"Amount":  11.99,
	}
	for i := 1; i <= DefaultFeatureDimension; i++ {
		m[fmt.Sprintf("V%d", i)] = float64(i) / 100
	}
	if mutate != nil {
		mutate(m)
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestDecodeTransaction(t *testing.T) {
	d := newTestDecoder()

	ev, err := d.Decode(testRawTopic, transactionPayload(t, nil))
	require.NoError(t, err)

	txn, ok := ev.(*TransactionEvent)
	require.True(t, ok, "expected *TransactionEvent, got %T", ev)
	assert.Equal(t, KindTransaction, txn.Kind())
	assert.Equal(t, "Fog_Node_1", txn.NodeID)
	assert.Equal(t, 70178.0, txn.Time)
	assert.Equal(t, 11.99, txn.Amount)
	require.Len(t, txn.Features, DefaultFeatureDimension)
	assert.Equal(t, 0.01, txn.Features[0])
	assert.Equal(t, 0.28, txn.Features[27])
}

func TestDecodeTransaction_IgnoresUnknownFields(t *testing.T) {
	d := newTestDecoder()

	payload := transactionPayload(t, func(m map[string]interface{}) {
		m["Class"] = 1
		m["extra"] = map[string]string{"nested": "value"}
	})

	ev, err := d.Decode(testRawTopic, payload)
	require.NoError(t, err)
	assert.Equal(t, "Fog_Node_1", ev.Node())
}

func TestDecodeFraudResult(t *testing.T) {
	d := newTestDecoder()

	tests := []struct {
		name    string
		payload string
		fraud   bool
	}{
		{"legitimate", `{"Node_ID":"Fog_Node_2","Time":100,"Prediction":0}`, false},
		{"fraud", `{"Node_ID":"Fog_Node_2","Time":100,"Prediction":1}`, true},
		{"float encoded prediction", `{"Node_ID":"Fog_Node_2","Time":100.0,"Prediction":1.0}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode(testResultsTopic, []byte(tt.payload))
			require.NoError(t, err)

			res, ok := ev.(*FraudEvent)
			require.True(t, ok)
			assert.Equal(t, "Fog_Node_2", res.NodeID)
			assert.Equal(t, 100.0, res.LogicalTime())
			assert.Equal(t, tt.fraud, res.IsFraud())
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	d := newTestDecoder()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		field   string
	}{
		{
			name:    "unknown topic",
			topic:   "fog.other",
			payload: []byte(`{"Node_ID":"n","Time":1,"Prediction":0}`),
		},
		{
			name:    "not json",
			topic:   testResultsTopic,
			payload: []byte(`{'Time': 100, 'Prediction': 0}`),
		},
		{
			name:    "trailing garbage",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"N1","Time":1,"Prediction":1} not json at all`),
		},
		{
			name:    "two objects",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"N1","Time":1,"Prediction":1}{"Node_ID":"N1","Time":2,"Prediction":0}`),
		},
		{
			name:    "json array",
			topic:   testResultsTopic,
			payload: []byte(`[1,2,3]`),
		},
		{
			name:    "empty payload",
			topic:   testRawTopic,
			payload: nil,
		},
		{
			name:    "missing node id",
			topic:   testResultsTopic,
			payload: []byte(`{"Time":1,"Prediction":0}`),
			field:   "Node_ID",
		},
		{
			name:    "empty node id",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"","Time":1,"Prediction":0}`),
			field:   "Node_ID",
		},
		{
			name:    "numeric node id",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":7,"Time":1,"Prediction":0}`),
			field:   "Node_ID",
		},
		{
			name:    "null time",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"n","Time":null,"Prediction":0}`),
			field:   "Time",
		},
		{
			name:    "prediction out of domain",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"n","Time":1,"Prediction":2}`),
			field:   "Prediction",
		},
		{
			name:    "prediction as string",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"n","Time":1,"Prediction":"1"}`),
			field:   "Prediction",
		},
		{
			name:    "prediction as bool",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"n","Time":1,"Prediction":true}`),
			field:   "Prediction",
		},
		{
			name:  "missing feature",
			topic: testRawTopic,
			payload: transactionPayload(t, func(m map[string]interface{}) {
				delete(m, "V17")
			}),
			field: "V17",
		},
		{
			name:  "missing amount",
			topic: testRawTopic,
			payload: transactionPayload(t, func(m map[string]interface{}) {
				delete(m, "Amount")
			}),
			field: "Amount",
		},
		{
			name:    "number overflow",
			topic:   testResultsTopic,
			payload: []byte(`{"Node_ID":"n","Time":1e400,"Prediction":0}`),
			field:   "Time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode(tt.topic, tt.payload)
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, ErrDecode))

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tt.topic, decErr.Topic)
			if tt.field != "" {
				assert.Equal(t, tt.field, decErr.Field)
				assert.True(t, strings.Contains(err.Error(), tt.field))
			}
		})
	}
}

func TestDecoder_CustomDimension(t *testing.T) {
	d := NewDecoder(testRawTopic, testResultsTopic, 3)

	ev, err := d.Decode(testRawTopic, []byte(`{"Node_ID":"n","Time":5,"V1":1,"V2":2,"V3":3,"Amount":4}`))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, ev.(*TransactionEvent).Features)
}

func TestDecoder_Topics(t *testing.T) {
	d := newTestDecoder()
	assert.Equal(t, []string{testRawTopic, testResultsTopic}, d.Topics())

	kind, ok := d.KindOf(testResultsTopic)
	assert.True(t, ok)
	assert.Equal(t, KindFraudResult, kind)

	_, ok = d.KindOf("nope")
	assert.False(t, ok)
}

func TestEncodedEventsDecode(t *testing.T) {
	d := NewDecoder(DefaultRawTopic, DefaultResultsTopic, 3)

	txn := &TransactionEvent{NodeID: "N7", Time: 42.5, Features: []float64{0.1, -2, 3.25}, Amount: 9.99}
	payload, err := json.Marshal(txn)
	require.NoError(t, err)

	ev, err := d.Decode(DefaultRawTopic, payload)
	require.NoError(t, err)
	assert.Equal(t, txn, ev)

	res := &FraudEvent{NodeID: "N7", Time: 42.5, Prediction: PredictionFraud}
	payload, err = json.Marshal(res)
	require.NoError(t, err)

	ev, err = d.Decode(DefaultResultsTopic, payload)
	require.NoError(t, err)
	assert.Equal(t, res, ev)
}
