package settlement

import "testing"

func TestStateTransitions(t *testing.T) {
	legal := [][2]State{
		{StateReceived, StateIdempotencyChecked},
		{StateIdempotencyChecked, StatePriced},
		{StateIdempotencyChecked, StateReceiptIssued},
		{StatePriced, StateValidated},
		{StatePriced, StateRejected},
		{StateValidated, StatePosted},
		{StateValidated, StateRejected},
		{StatePosted, StateReceiptIssued},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be legal", tr[0], tr[1])
		}
	}

	illegal := [][2]State{
		{StateReceived, StateRejected},
		{StateReceived, StatePosted},
		{StatePosted, StateRejected},
		{StateReceiptIssued, StatePosted},
		{StateRejected, StateValidated},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
	if !StateRejected.Terminal() || !StateReceiptIssued.Terminal() || StatePosted.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}
