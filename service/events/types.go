package events

// Kind identifies which of the two fog node topics an event came from.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindFraudResult Kind = "fraud_result"
)

// Prediction values published by fog nodes.
const (
	PredictionLegitimate = 0
	PredictionFraud      = 1
)

// Event is a decoded message from either topic.
type Event interface {
	Kind() Kind
	Node() string
	LogicalTime() float64
}

// TransactionEvent is one raw transaction observation published by a fog node.
// The wire form is {"Node_ID": "...", "Time": 70178, "V1": ..., "V28": ..., "Amount": 11.99}.
type TransactionEvent struct {
	NodeID   string    `json:"Node_ID"`
	Time     float64   `json:"Time"`
	Features []float64 `json:"-"`
	Amount   float64   `json:"Amount"`
}

func (e *TransactionEvent) Kind() Kind { return KindTransaction }
func (e *TransactionEvent) Node() string { return e.NodeID }
func (e *TransactionEvent) LogicalTime() float64 { return e.Time }

// FraudEvent is one classification outcome published by a fog node.
// The wire form is {"Node_ID": "...", "Time": 70178, "Prediction": 0}.
type FraudEvent struct {
	NodeID     string  `json:"Node_ID"`
	Time       float64 `json:"Time"`
	Prediction int     `json:"Prediction"`
}

func (e *FraudEvent) Kind() Kind { return KindFraudResult }
func (e *FraudEvent) Node() string { return e.NodeID }
func (e *FraudEvent) LogicalTime() float64 { return e.Time }

// IsFraud reports whether the classifier flagged the transaction.
func (e *FraudEvent) IsFraud() bool { return e.Prediction == PredictionFraud }
