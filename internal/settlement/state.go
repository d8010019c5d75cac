package settlement

import "fmt"

// State is a trade's position in the settlement pipeline. Requests failing before a price is obtained
// (validation, idempotency conflicts, oracle outages) return an error without being rejected; REJECTED is
// reserved for priced trades.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateIdempotencyChecked State = "IDEMPOTENCY_CHECKED"
	StatePriced             State = "PRICED"
	StateValidated          State = "VALIDATED"
	StatePosted             State = "POSTED"
	StateReceiptIssued      State = "RECEIPT_ISSUED"
	StateRejected           State = "REJECTED"
)

var transitions = map[State][]State{
	StateReceived:           {StateIdempotencyChecked},
	StateIdempotencyChecked: {StatePriced, StateReceiptIssued},
	StatePriced:             {StateValidated, StateRejected},
	StateValidated:          {StatePosted, StateReceiptIssued, StateRejected},
	StatePosted:             {StateReceiptIssued},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateReceiptIssued || s == StateRejected
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal trade transition %s -> %s", from, to)
	}
	return nil
}
