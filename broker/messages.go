package broker

import (
	"encoding/json"
	"fmt"
	"io"
)

// Kinds of the settlement notifications sent to the local account.
const (
	KindProcessing = "processing"
	KindSettled    = "settled"
	KindFailed     = "failed"
)

/*
Notification is the user visible status of the reimbursement batch
submitted by the account.
*/
type Notification struct {
	Kind   string `json:"kind"`
	Claims int    `json:"claims"`
	Block  uint64 `json:"block,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (n *Notification) String() string {
	if n.Kind == KindFailed {
		return fmt.Sprintf("%s: %s", n.Kind, n.Reason)
	}
	return n.Kind
}

func (n *Notification) WriteSSE(w io.Writer) error {
	return writeEvent(w, n.Kind, n)
}

func writeEvent(w io.Writer, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
