package domain

import "time"

// JobStatus — состояние задачи публикации.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal возвращает true для конечных состояний: переходы из них запрещены.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// PublishJob описывает задачу публикации поста на одной площадке.
type PublishJob struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	PostID        int64      `json:"post_id"`
	Platform      Platform   `json:"platform"`
	Content       string     `json:"content"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Status        JobStatus  `json:"status"`
	LastErrorKind ErrorKind  `json:"last_error_kind,omitempty"`
	LastErrorMsg  string     `json:"last_error_msg,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobEventType — тип события жизненного цикла задачи.
type JobEventType string

const (
	JobEventSucceeded JobEventType = "job_succeeded"
	JobEventFailed    JobEventType = "job_failed"
	JobEventCancelled JobEventType = "job_cancelled"
)

// JobEvent публикуется при достижении задачей конечного состояния.
type JobEvent struct {
	Type       JobEventType `json:"type"`
	JobID      string       `json:"job_id"`
	UserID     int64        `json:"user_id"`
	PostID     int64        `json:"post_id"`
	Platform   Platform     `json:"platform"`
	Attempts   int          `json:"attempts"`
	ErrorKind  ErrorKind    `json:"error_kind,omitempty"`
	ErrorMsg   string       `json:"error_msg,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
