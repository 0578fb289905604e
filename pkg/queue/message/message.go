package message

import (
	"encoding/json"
	"fmt"

	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/pkg/errors"
)

// Message announces that a submission run reached a terminal status.
type Message struct {
	SubmissionID string        `json:"submission_id"`
	RunID        string        `json:"run_id"`
	Status       record.Status `json:"status"`
	Records      int           `json:"records"`
	Error        string        `json:"error,omitempty"`
}

// Validate rejects messages that do not announce a terminal status.
func (m *Message) Validate() error {
	if m.SubmissionID == "" {
		return errors.New("invalid message (submission_id)")
	}

	st, err := record.ParseStatus(string(m.Status))
	if err != nil || !st.Terminal() {
		return errors.Errorf("invalid message (status %q)", m.Status)
	}

	return nil
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s_%s_%s", m.SubmissionID, m.RunID, m.Status)
}
