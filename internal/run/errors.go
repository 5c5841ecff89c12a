package run

type (
	TaskErrorType string
	ErrorCode     string
)

const (
	ErrTypeBuiltIn  TaskErrorType = "BUILT_IN_ERROR"
	ErrTypeString   TaskErrorType = "STRING_ERROR"
	ErrTypeCustom   TaskErrorType = "CUSTOM_ERROR"
	ErrTypeInternal TaskErrorType = "INTERNAL_ERROR"
)

const (
	CodeTaskProcessOOMKilled      ErrorCode = "TASK_PROCESS_OOM_KILLED"
	CodeTaskProcessMaybeOOMKilled ErrorCode = "TASK_PROCESS_MAYBE_OOM_KILLED"
	CodeDiskSpaceExceeded         ErrorCode = "DISK_SPACE_EXCEEDED"
	CodeProcessNonZeroExit        ErrorCode = "TASK_PROCESS_EXITED_WITH_NON_ZERO_CODE"
	CodeTaskRunCancelled          ErrorCode = "TASK_RUN_CANCELLED"
	CodeMaxDurationExceeded       ErrorCode = "MAX_DURATION_EXCEEDED"
	CodeHeartbeatTimeout          ErrorCode = "TASK_RUN_HEARTBEAT_TIMEOUT"
	CodeDequeuedInvalidState      ErrorCode = "TASK_DEQUEUED_INVALID_STATE"
	CodeRunCrashed                ErrorCode = "TASK_RUN_CRASHED"
)

// TaskError is the structured error a worker reports when an attempt
// fails, or the engine synthesizes for internal failures.
type TaskError struct {
	Type       TaskErrorType `json:"type"`
	Code       ErrorCode     `json:"code,omitempty"`
	Name       string        `json:"name,omitempty"`
	Message    string        `json:"message"`
	StackTrace string        `json:"stack_trace,omitempty"`
}

// nonRetriableCodes are internal failures retrying cannot fix.
var nonRetriableCodes = map[ErrorCode]bool{
	CodeDiskSpaceExceeded:    true,
	CodeTaskRunCancelled:     true,
	CodeMaxDurationExceeded:  true,
	CodeDequeuedInvalidState: true,
}

func (e *TaskError) IsRetriable() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrTypeBuiltIn, ErrTypeString, ErrTypeCustom:
		return true
	case ErrTypeInternal:
		if e.IsOutOfMemory() {
			// OOM retries go through the machine upgrade path only.
			return false
		}
		return !nonRetriableCodes[e.Code]
	}
	return false
}

func (e *TaskError) IsOutOfMemory() bool {
	if e == nil || e.Type != ErrTypeInternal {
		return false
	}
	return e.Code == CodeTaskProcessOOMKilled || e.Code == CodeTaskProcessMaybeOOMKilled
}

// CrashesRun reports whether the error should finish the run as CRASHED
// rather than COMPLETED_WITH_ERRORS.
func (e *TaskError) CrashesRun() bool {
	return e != nil && e.Type == ErrTypeInternal
}

func InternalError(code ErrorCode, message string) *TaskError {
	return &TaskError{Type: ErrTypeInternal, Code: code, Message: message}
}
