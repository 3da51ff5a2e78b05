package dao

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "bulletin.sqlite"))
	require.NoError(t, err)
	return db
}

func testIssue() Issue {
	return Issue{
		IssueId:     xid.New().String(),
		Title:       "Issue #1",
		HTML:        "<p>Hello</p>",
		Text:        "Hello",
		PublishedAt: time.Now().In(time.UTC).Truncate(time.Second),
	}
}

func TestPublishIssueFansOutOneTaskPerSubscriber(t *testing.T) {
	db := setup(t)

	subs := []string{"a@example.com", "b@example.com", "c@example.com"}
	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, subs))

	tasks, err := db.QueuedTasks(10, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, len(subs))

	seen := map[string]bool{}
	for _, task := range tasks {
		assert.Equal(t, issue.IssueId, task.IssueId)
		assert.Equal(t, TaskStatusPending, task.Status)
		assert.Equal(t, 0, task.AttemptCount)
		assert.Nil(t, task.LastAttemptedAt)
		assert.False(t, seen[task.SubscriberEmail], "duplicate task for %s", task.SubscriberEmail)
		seen[task.SubscriberEmail] = true
	}
}

func TestPublishIssueRoundTrip(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, nil))

	got, err := db.GetIssue(issue.IssueId)
	require.NoError(t, err)

	got.PublishedAt = got.PublishedAt.In(time.UTC)
	if diff := deep.Equal(issue, *got); diff != nil {
		t.Error(diff)
	}
}

func TestPublishIssueIsAtomic(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))

	// Same issue id again must fail and leave no extra tasks behind.
	err := db.PublishIssue(issue, []string{"b@example.com", "c@example.com"})
	require.Error(t, err)

	tasks, err := db.QueuedTasks(10, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a@example.com", tasks[0].SubscriberEmail)
}

func TestConfirmedSubscribersSnapshot(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.UpsertSubscriber("a@example.com", SubscriptionConfirmed))
	require.NoError(t, db.UpsertSubscriber("b@example.com", SubscriptionPending))
	require.NoError(t, db.UpsertSubscriber("c@example.com", SubscriptionConfirmed))

	subs, err := db.ConfirmedSubscribers()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "c@example.com"}, subs)
}

func TestClaimTaskIsExclusive(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))

	reclaim := time.Now().Add(-time.Minute)

	var claims int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.ClaimTask(issue.IssueId, "a@example.com", reclaim)
			if err == nil {
				atomic.AddInt64(&claims, 1)
				return
			}
			if !errors.Is(err, ErrNotClaimed) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), claims, "exactly one worker may hold the lease")
}

func TestClaimTaskReclaimsExpiredLease(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))

	require.NoError(t, db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(-time.Minute)))

	// Lease is live, nobody else can have it.
	err := db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(-time.Minute))
	require.ErrorIs(t, err, ErrNotClaimed)

	// Treating any lease older than "now" as abandoned lets it be re-claimed.
	err = db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(time.Minute))
	require.NoError(t, err)
}

func TestReleaseTaskReturnsLease(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))
	require.NoError(t, db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(-time.Minute)))

	require.NoError(t, db.ReleaseTask(issue.IssueId, "a@example.com"))

	task, err := db.GetTask(issue.IssueId, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Nil(t, task.LeasedAt)
	assert.Equal(t, 0, task.AttemptCount)
}

func TestRetryTaskRecordsAttempt(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))
	require.NoError(t, db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(-time.Minute)))

	require.NoError(t, db.RetryTask(issue.IssueId, "a@example.com", 1, "smtp timeout"))

	task, err := db.GetTask(issue.IssueId, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.AttemptCount)
	require.NotNil(t, task.LastAttemptedAt)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "smtp timeout", *task.LastError)
}

func TestSucceedTaskRemovesRow(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))
	require.NoError(t, db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(-time.Minute)))

	require.NoError(t, db.SucceedTask(issue.IssueId, "a@example.com"))

	_, err := db.GetTask(issue.IssueId, "a@example.com")
	require.Error(t, err)
}

func TestDeadLetterTaskIsAtomic(t *testing.T) {
	db := setup(t)

	issue := testIssue()
	require.NoError(t, db.PublishIssue(issue, []string{"a@example.com"}))
	require.NoError(t, db.ClaimTask(issue.IssueId, "a@example.com", time.Now().Add(-time.Minute)))

	require.NoError(t, db.DeadLetterTask(issue.IssueId, "a@example.com", 3, "mailbox does not exist"))

	_, err := db.GetTask(issue.IssueId, "a@example.com")
	require.Error(t, err, "task row must be gone")

	letters, err := db.DeadLetters(issue.IssueId)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "a@example.com", letters[0].SubscriberEmail)
	assert.Equal(t, 3, letters[0].AttemptCount)
	assert.Equal(t, "mailbox does not exist", letters[0].LastError)
	assert.False(t, letters[0].FailedAt.IsZero())

	// A second dead-letter for the same identity must not succeed.
	err = db.DeadLetterTask(issue.IssueId, "a@example.com", 4, "again")
	require.Error(t, err)
}

func TestClaimIdempotencyKeyIsWriteOnce(t *testing.T) {
	db := setup(t)

	claimed, err := db.ClaimIdempotencyKey("user-1", "key-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = db.ClaimIdempotencyKey("user-1", "key-1")
	require.NoError(t, err)
	assert.False(t, claimed)

	// Different user, same key, is a different identity.
	claimed, err = db.ClaimIdempotencyKey("user-2", "key-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSaveIdempotentResponseCompletesOnce(t *testing.T) {
	db := setup(t)

	_, err := db.ClaimIdempotencyKey("user-1", "key-1")
	require.NoError(t, err)

	rec, err := db.GetIdempotencyRecord("user-1", "key-1")
	require.NoError(t, err)
	assert.False(t, rec.Complete())

	require.NoError(t, db.SaveIdempotentResponse("user-1", "key-1", 200, `{"Content-Type":["application/json"]}`, []byte(`{"ok":true}`)))

	rec, err = db.GetIdempotencyRecord("user-1", "key-1")
	require.NoError(t, err)
	require.True(t, rec.Complete())
	assert.Equal(t, 200, *rec.ResponseStatus)
	assert.Equal(t, []byte(`{"ok":true}`), rec.ResponseBody)

	// Completed records are write-once.
	err = db.SaveIdempotentResponse("user-1", "key-1", 500, "", nil)
	require.Error(t, err)
}

func TestReleaseIdempotencyKeyOnlyDropsIncomplete(t *testing.T) {
	db := setup(t)

	_, err := db.ClaimIdempotencyKey("user-1", "incomplete")
	require.NoError(t, err)
	_, err = db.ClaimIdempotencyKey("user-1", "complete")
	require.NoError(t, err)
	require.NoError(t, db.SaveIdempotentResponse("user-1", "complete", 200, "", []byte("ok")))

	require.NoError(t, db.ReleaseIdempotencyKey("user-1", "incomplete"))
	require.NoError(t, db.ReleaseIdempotencyKey("user-1", "complete"))

	_, err = db.GetIdempotencyRecord("user-1", "incomplete")
	require.Error(t, err)

	rec, err := db.GetIdempotencyRecord("user-1", "complete")
	require.NoError(t, err)
	assert.True(t, rec.Complete())
}

func TestDeleteIdempotencyRecordsBefore(t *testing.T) {
	db := setup(t)

	_, err := db.ClaimIdempotencyKey("user-1", "old")
	require.NoError(t, err)
	_, err = db.ClaimIdempotencyKey("user-1", "new")
	require.NoError(t, err)

	// Nothing is older than 30 days yet.
	n, err := db.DeleteIdempotencyRecordsBefore(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = db.DeleteIdempotencyRecordsBefore(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGetDBReconnectsUnderConcurrentUse(t *testing.T) {
	db := setup(t)

	require.NoError(t, db.UpsertSubscriber("a@example.com", SubscriptionConfirmed))

	// Drop the handle so every caller races through the reconnect path.
	lite := db.(*sqlite)
	require.NoError(t, lite.db.Close())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subs, err := db.ConfirmedSubscribers()
			if err != nil {
				t.Errorf("read after reconnect failed: %v", err)
				return
			}
			if len(subs) != 1 {
				t.Errorf("expected 1 subscriber, got %d", len(subs))
			}
		}()
	}
	wg.Wait()
}

func TestAdminKeyRoundTrip(t *testing.T) {
	db := setup(t)

	key := AdminKey{KeyId: "ops", SecretHash: "$2a$10$abcdefghijklmnopqrstuv", UserId: "user-1"}
	require.NoError(t, db.AddAdminKey(key))

	got, err := db.GetAdminKey("ops")
	require.NoError(t, err)
	if diff := deep.Equal(key, *got); diff != nil {
		t.Error(diff)
	}

	_, err = db.GetAdminKey("unknown")
	require.Error(t, err)
}
