package dao

import "time"

const (
	TaskStatusPending  = "pending"
	TaskStatusInFlight = "in_flight"
)

const (
	SubscriptionPending   = "pending"
	SubscriptionConfirmed = "confirmed"
)

type Issue struct {
	IssueId     string    `db:"issue_id"`
	Title       string    `db:"title"`
	HTML        string    `db:"html"`
	Text        string    `db:"text"`
	PublishedAt time.Time `db:"published_at"`
}

// DeliveryTask is one unit of "send this issue to this subscriber". The
// composite key (issue_id, subscriber_email) is the deduplication identity;
// the unique constraint on it guarantees fan-out never doubles a recipient.
type DeliveryTask struct {
	IssueId         string     `db:"issue_id"`
	SubscriberEmail string     `db:"subscriber_email"`
	Status          string     `db:"status"`
	AttemptCount    int        `db:"attempt_count"`
	LeasedAt        *time.Time `db:"leased_at"`
	LastAttemptedAt *time.Time `db:"last_attempted_at"`
	LastError       *string    `db:"last_error"`
}

type DeadLetter struct {
	IssueId         string    `db:"issue_id"`
	SubscriberEmail string    `db:"subscriber_email"`
	AttemptCount    int       `db:"attempt_count"`
	LastError       string    `db:"last_error"`
	FailedAt        time.Time `db:"failed_at"`
}

// IdempotencyRecord is write-once per (user_id, idempotency_key). A record
// with a nil ResponseStatus is a claim by an in-flight request; the response
// columns are filled in exactly once when that request completes.
type IdempotencyRecord struct {
	UserId          string    `db:"user_id"`
	IdempotencyKey  string    `db:"idempotency_key"`
	ResponseStatus  *int      `db:"response_status"`
	ResponseHeaders string    `db:"response_headers"`
	ResponseBody    []byte    `db:"response_body"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r *IdempotencyRecord) Complete() bool {
	return r != nil && r.ResponseStatus != nil
}

type AdminKey struct {
	KeyId      string `db:"key_id"`
	SecretHash string `db:"secret_hash"`
	UserId     string `db:"user_id"`
}
