package peer

import "fmt"

// NegotiationStateError reports an offer/answer attempt in a state where a
// new negotiation round is not allowed. Callers log and skip; these are not
// retried.
type NegotiationStateError struct {
	Op       string
	RemoteID string
	State    string
}

func (e *NegotiationStateError) Error() string {
	return fmt.Sprintf("cannot %s toward %s in state %s", e.Op, e.RemoteID, e.State)
}
