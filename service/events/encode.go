package events

import (
	"encoding/json"
	"strconv"
)

// Default topic names used by the fog nodes.
const (
	DefaultRawTopic     = "fog.transactions.raw"
	DefaultResultsTopic = "fog.transactions.results"
)

// MarshalJSON writes the flat wire form with the features spread over V1..Vn.
func (e *TransactionEvent) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Features)+3)
	obj["Node_ID"] = e.NodeID
	obj["Time"] = e.Time
	obj["Amount"] = e.Amount
	for i, v := range e.Features {
		obj["V"+strconv.Itoa(i+1)] = v
	}
	return json.Marshal(obj)
}
