package bulletin

import (
	"time"

	"github.com/rs/xid"
)

// Issue is a single newsletter issue. It is immutable once published; the
// delivery subsystem only ever reads it.
type Issue struct {
	Id          xid.ID    `json:"id"`
	Title       string    `json:"title"`
	HTML        string    `json:"html"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at"`
}

func NewIssue(title, html, text string) *Issue {
	return &Issue{
		Id:          xid.New(),
		Title:       title,
		HTML:        html,
		Text:        text,
		PublishedAt: time.Now().In(time.UTC),
	}
}

// Receipt is what the publish endpoint returns. Recipients is the size of the
// confirmed subscriber snapshot at publish time, i.e. the number of delivery
// tasks that were enqueued.
type Receipt struct {
	IssueId    string `json:"issue_id"`
	Recipients int    `json:"recipients"`
}

// DeadLetter is a delivery that was permanently given up on, either after
// exhausting its retries or after a non-retryable failure.
type DeadLetter struct {
	IssueId         string    `json:"issue_id"`
	SubscriberEmail string    `json:"subscriber_email"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       string    `json:"last_error"`
	FailedAt        time.Time `json:"failed_at"`
}
