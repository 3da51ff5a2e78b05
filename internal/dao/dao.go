package dao

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotClaimed is returned when a conditional task claim affects no row,
// meaning another worker holds the lease or the task no longer exists.
var ErrNotClaimed = errors.New("task could not be claimed")

type DAO interface {
	// Issues and fan-out
	PublishIssue(issue Issue, subscribers []string) error
	GetIssue(issueId string) (*Issue, error)
	ConfirmedSubscribers() ([]string, error)
	UpsertSubscriber(email, status string) error

	// Delivery task queue
	QueuedTasks(count int, reclaimBefore time.Time) ([]DeliveryTask, error)
	ClaimTask(issueId, email string, reclaimBefore time.Time) error
	ReleaseTask(issueId, email string) error
	SucceedTask(issueId, email string) error
	RetryTask(issueId, email string, attempts int, lastError string) error
	DeadLetterTask(issueId, email string, attempts int, lastError string) error
	GetTask(issueId, email string) (*DeliveryTask, error)
	DeadLetters(issueId string) ([]DeadLetter, error)

	// Idempotency
	ClaimIdempotencyKey(userId, key string) (bool, error)
	SaveIdempotentResponse(userId, key string, status int, headers string, body []byte) error
	GetIdempotencyRecord(userId, key string) (*IdempotencyRecord, error)
	ReleaseIdempotencyKey(userId, key string) error
	DeleteIdempotencyRecordsBefore(cutoff time.Time) (int64, error)

	// Admin keys
	GetAdminKey(keyId string) (*AdminKey, error)
	AddAdminKey(key AdminKey) error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	mu   sync.Mutex
	db   *sqlx.DB
	path string
}

// PublishIssue persists the issue and inserts one pending delivery task per
// subscriber, all in one transaction. Workers never observe a partially
// enqueued issue.
func (s *sqlite) PublishIssue(issue Issue, subscribers []string) (err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	q1 := `
	INSERT INTO newsletter_issues (issue_id, title, html, text, published_at)
	VALUES (:issue_id, :title, :html, :text, :published_at)
	`
	_, err = tx.NamedExec(q1, issue)
	if err != nil {
		return fmt.Errorf("failed to insert issue, %w", err)
	}

	q2 := `
	INSERT INTO delivery_queue (issue_id, subscriber_email, status, attempt_count)
	VALUES (?, ?, ?, 0)
	`
	for _, email := range subscribers {
		_, err = tx.Exec(q2, issue.IssueId, email, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("failed to enqueue delivery task for %s, %w", email, err)
		}
	}
	return nil
}

func (s *sqlite) GetIssue(issueId string) (*Issue, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var issue Issue
	err = db.Get(&issue, `SELECT * FROM newsletter_issues WHERE issue_id = ?`, issueId)
	return &issue, err
}

func (s *sqlite) ConfirmedSubscribers() ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var emails []string
	err = db.Select(&emails, `SELECT email FROM subscriptions WHERE status = ? ORDER BY email`, SubscriptionConfirmed)
	return emails, err
}

func (s *sqlite) UpsertSubscriber(email, status string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `
	INSERT INTO subscriptions (email, status)
	VALUES (?, ?)
	ON CONFLICT (email) DO UPDATE SET status = excluded.status
	`
	_, err = db.Exec(q, email, status)
	return err
}

// QueuedTasks returns up to count leasable tasks: pending ones, plus tasks
// stuck in_flight since before reclaimBefore (abandoned leases). No ordering
// among subscribers or issues is promised.
func (s *sqlite) QueuedTasks(count int, reclaimBefore time.Time) (tasks []DeliveryTask, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	q := `
	SELECT *
	FROM delivery_queue
	WHERE status = ?
	   OR (status = ? AND leased_at <= ?)
	LIMIT ?
	`
	err = db.Select(&tasks, q, TaskStatusPending, TaskStatusInFlight, reclaimBefore.In(time.UTC), count)
	return tasks, err
}

// ClaimTask acquires an exclusive lease by flipping the task to in_flight in
// a single conditional update. The status guard makes the claim atomic; a
// task already leased by a live worker affects no row and yields ErrNotClaimed.
func (s *sqlite) ClaimTask(issueId, email string, reclaimBefore time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `
	UPDATE delivery_queue
	SET status = ?, leased_at = ?
	WHERE issue_id = ?
	  AND subscriber_email = ?
	  AND (status = ? OR (status = ? AND leased_at <= ?))
	`
	res, err := db.Exec(q, TaskStatusInFlight, time.Now().In(time.UTC),
		issueId, email,
		TaskStatusPending, TaskStatusInFlight, reclaimBefore.In(time.UTC))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s to %s, %d rows affected", ErrNotClaimed, issueId, email, affected)
	}
	return nil
}

// ReleaseTask hands an in_flight lease back without recording an attempt,
// used on shutdown or when the task could not be dispatched at all.
func (s *sqlite) ReleaseTask(issueId, email string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `
	UPDATE delivery_queue
	SET status = ?, leased_at = NULL
	WHERE issue_id = ? AND subscriber_email = ? AND status = ?
	`
	_, err = db.Exec(q, TaskStatusPending, issueId, email, TaskStatusInFlight)
	return err
}

func (s *sqlite) SucceedTask(issueId, email string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM delivery_queue WHERE issue_id = ? AND subscriber_email = ?`, issueId, email)
	return err
}

// RetryTask returns a task to pending after a transient failure. It becomes
// leasable again on the next scan round; that round is the backoff.
func (s *sqlite) RetryTask(issueId, email string, attempts int, lastError string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `
	UPDATE delivery_queue
	SET status = ?, leased_at = NULL, attempt_count = ?, last_attempted_at = ?, last_error = ?
	WHERE issue_id = ? AND subscriber_email = ?
	`
	_, err = db.Exec(q, TaskStatusPending, attempts, time.Now().In(time.UTC), lastError, issueId, email)
	return err
}

// DeadLetterTask inserts the dead-letter record and deletes the task row in
// one transaction. There is no window where the delivery is in neither table.
func (s *sqlite) DeadLetterTask(issueId, email string, attempts int, lastError string) (err error) {

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	q1 := `
	INSERT INTO dead_letter (issue_id, subscriber_email, attempt_count, last_error, failed_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err = tx.Exec(q1, issueId, email, attempts, lastError, time.Now().In(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter for %s %s, %w", issueId, email, err)
	}

	_, err = tx.Exec(`DELETE FROM delivery_queue WHERE issue_id = ? AND subscriber_email = ?`, issueId, email)
	if err != nil {
		return fmt.Errorf("failed to delete dead-lettered task %s %s, %w", issueId, email, err)
	}
	return nil
}

func (s *sqlite) GetTask(issueId, email string) (*DeliveryTask, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var task DeliveryTask
	err = db.Get(&task, `SELECT * FROM delivery_queue WHERE issue_id = ? AND subscriber_email = ?`, issueId, email)
	return &task, err
}

func (s *sqlite) DeadLetters(issueId string) (letters []DeadLetter, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&letters, `SELECT * FROM dead_letter WHERE issue_id = ? ORDER BY subscriber_email`, issueId)
	return letters, err
}

// ClaimIdempotencyKey inserts the write-once claim row. False means some
// request, past or in flight, already owns the key.
func (s *sqlite) ClaimIdempotencyKey(userId, key string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	q := `
	INSERT INTO idempotency (user_id, idempotency_key, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`
	res, err := db.Exec(q, userId, key, time.Now().In(time.UTC))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqlite) SaveIdempotentResponse(userId, key string, status int, headers string, body []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `
	UPDATE idempotency
	SET response_status = ?, response_headers = ?, response_body = ?
	WHERE user_id = ? AND idempotency_key = ? AND response_status IS NULL
	`
	res, err := db.Exec(q, status, headers, body, userId, key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("idempotency record for %s is missing or already completed", key)
	}
	return nil
}

func (s *sqlite) GetIdempotencyRecord(userId, key string) (*IdempotencyRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rec IdempotencyRecord
	err = db.Get(&rec, `SELECT * FROM idempotency WHERE user_id = ? AND idempotency_key = ?`, userId, key)
	return &rec, err
}

// ReleaseIdempotencyKey removes an incomplete claim so a later retry can
// execute. Completed records are never touched.
func (s *sqlite) ReleaseIdempotencyKey(userId, key string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `DELETE FROM idempotency WHERE user_id = ? AND idempotency_key = ? AND response_status IS NULL`
	_, err = db.Exec(q, userId, key)
	return err
}

func (s *sqlite) DeleteIdempotencyRecordsBefore(cutoff time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`DELETE FROM idempotency WHERE created_at < ?`, cutoff.In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlite) GetAdminKey(keyId string) (*AdminKey, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var key AdminKey
	err = db.Get(&key, `SELECT * FROM admin_keys WHERE key_id = ?`, keyId)
	return &key, err
}

func (s *sqlite) AddAdminKey(key AdminKey) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `INSERT INTO admin_keys (key_id, secret_hash, user_id) VALUES (:key_id, :secret_hash, :user_id)`
	_, err = db.NamedExec(q, key)
	return err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

// getDB returns the shared handle, reconnecting if it has gone away. The
// mutex covers the reconnect; the handle itself is safe for concurrent use.
func (s *sqlite) getDB() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS newsletter_issues (
	    issue_id TEXT PRIMARY KEY,
	    title    TEXT NOT NULL,
	    html     TEXT NOT NULL,
	    text     TEXT NOT NULL,
	    published_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
	    email  TEXT PRIMARY KEY,
	    status TEXT NOT NULL DEFAULT 'pending' -- pending, confirmed
	);

	CREATE TABLE IF NOT EXISTS delivery_queue (
	    issue_id         TEXT NOT NULL,
	    subscriber_email TEXT NOT NULL,

	    status        TEXT NOT NULL DEFAULT 'pending', -- pending, in_flight
	    attempt_count INT  NOT NULL DEFAULT 0,

	    leased_at         DATETIME,
	    last_attempted_at DATETIME,
	    last_error        TEXT,

	    PRIMARY KEY (issue_id, subscriber_email)
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_queue_status ON delivery_queue(status);

	CREATE TABLE IF NOT EXISTS dead_letter (
	    issue_id         TEXT NOT NULL,
	    subscriber_email TEXT NOT NULL,
	    attempt_count    INT  NOT NULL,
	    last_error       TEXT NOT NULL,
	    failed_at        DATETIME NOT NULL,
	    PRIMARY KEY (issue_id, subscriber_email)
	);

	CREATE TABLE IF NOT EXISTS idempotency (
	    user_id         TEXT NOT NULL,
	    idempotency_key TEXT NOT NULL,

	    response_status  INT,
	    response_headers TEXT NOT NULL DEFAULT '',
	    response_body    BLOB NOT NULL DEFAULT x'',

	    created_at DATETIME NOT NULL,
	    PRIMARY KEY (user_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_created_at ON idempotency(created_at);

	CREATE TABLE IF NOT EXISTS admin_keys (
	    key_id      TEXT PRIMARY KEY,
	    secret_hash TEXT NOT NULL,
	    user_id     TEXT NOT NULL
	);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
