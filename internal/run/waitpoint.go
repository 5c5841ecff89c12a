package run

import "time"

type (
	WaitpointType   string
	WaitpointStatus string
)

const (
	WaitpointTypeRun      WaitpointType = "RUN"
	WaitpointTypeDateTime WaitpointType = "DATETIME"
	WaitpointTypeManual   WaitpointType = "MANUAL"
)

const (
	WaitpointPending   WaitpointStatus = "PENDING"
	WaitpointCompleted WaitpointStatus = "COMPLETED"
)

// Waitpoint is a unit of blocking dependency (manual signal, timer, or
// another run's completion) that runs can await. Completed exactly
// once; first writer wins.
type Waitpoint struct {
	ID                     string          `json:"id"`
	FriendlyID             string          `json:"friendly_id"`
	Type                   WaitpointType   `json:"type"`
	Status                 WaitpointStatus `json:"status"`
	EnvironmentID          string          `json:"environment_id"`
	IdempotencyKey         string          `json:"idempotency_key,omitempty"`
	IdempotencyKeyExpires  *time.Time      `json:"idempotency_key_expires_at,omitempty"`
	InactiveIdempotencyKey string          `json:"inactive_idempotency_key,omitempty"`
	// CompletedAfter is the deadline at which a DATETIME waitpoint (or
	// a MANUAL waitpoint with a timeout) completes on its own.
	CompletedAfter *time.Time       `json:"completed_after,omitempty"`
	CompletedByRun string           `json:"completed_by_run_id,omitempty"`
	Output         *WaitpointOutput `json:"output,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// WaitpointOutput is the payload handed to runs unblocked by a
// completed waitpoint.
type WaitpointOutput struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	IsError bool   `json:"is_error"`
}

// RunWaitpoint joins a blocked run to one waitpoint blocking it.
// Deleted once the run continues past that waitpoint set.
type RunWaitpoint struct {
	RunID            string    `json:"run_id"`
	WaitpointID      string    `json:"waitpoint_id"`
	SpanIDToComplete string    `json:"span_id_to_complete,omitempty"`
	BatchID          string    `json:"batch_id,omitempty"`
	BatchIndex       *int      `json:"batch_index,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
