package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/modfin/bulletin/internal/dao"
	"github.com/modfin/bulletin/tools"
	"github.com/sirupsen/logrus"
)

const HeaderKey = "Idempotency-Key"

// ErrInProgress means another request owns the key but has not finished.
var ErrInProgress = errors.New("an identical request is already in progress")

func New(db dao.DAO, lc *tools.Logger) *Idempotency {
	return &Idempotency{
		db:    db,
		locks: tools.NewKeyedMutex(),
		log:   lc.New("idempotency"),
	}
}

// Idempotency makes a mutating endpoint safe under client retry. The first
// request with a given (user, key) claims a write-once store row, executes,
// and persists its full response before anything is written to the client;
// every later request with the same identity replays that response verbatim.
//
// Two guards close the concurrent-duplicate race: a per-key mutex serializes
// same-key requests within the process, and the claim row's unique constraint
// decides the winner across processes. A cross-process loser whose winner has
// not completed yet is told to retry rather than left to publish again.
type Idempotency struct {
	db    dao.DAO
	locks *tools.KeyedMutex
	log   *logrus.Logger
}

func (i *Idempotency) Wrap(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {

		userId, _ := c.Get("user_id").(string)
		if userId == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user in request context")
		}
		key := c.Request().Header.Get(HeaderKey)
		if key == "" {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("an %s header must be provided", HeaderKey))
		}

		lockKey := userId + "/" + key
		i.locks.Lock(lockKey)
		defer i.locks.Unlock(lockKey)

		claimed, err := i.db.ClaimIdempotencyKey(userId, key)
		if err != nil {
			// Never proceed with an un-deduplicated publish.
			i.log.WithError(err).Error("idempotency store unavailable, failing request")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "could not perform idempotency check")
		}

		if !claimed {
			return i.replay(c, userId, key)
		}

		return i.execute(c, next, userId, key)
	}
}

// execute runs the wrapped handler against a buffering recorder, persists the
// produced response, and only then releases it to the client. A handler error
// drops the claim so the client's retry gets to run.
func (i *Idempotency) execute(c echo.Context, next echo.HandlerFunc, userId, key string) error {

	rec := newRecorder()
	writer := c.Response().Writer
	c.Response().Writer = rec

	err := next(c)

	c.Response().Writer = writer
	if err != nil {
		if relErr := i.db.ReleaseIdempotencyKey(userId, key); relErr != nil {
			i.log.WithError(relErr).Error("could not release idempotency key after failed handler")
		}
		return err
	}

	headers, err := json.Marshal(rec.header)
	if err != nil {
		return fmt.Errorf("could not encode response headers, %w", err)
	}

	err = i.db.SaveIdempotentResponse(userId, key, rec.status(), string(headers), rec.body.Bytes())
	if err != nil {
		i.log.WithError(err).Error("could not persist response, failing request")
		if relErr := i.db.ReleaseIdempotencyKey(userId, key); relErr != nil {
			i.log.WithError(relErr).Error("could not release idempotency key")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "could not persist response")
	}

	return flush(writer, rec.header, rec.status(), rec.body.Bytes())
}

func (i *Idempotency) replay(c echo.Context, userId, key string) error {

	rec, err := i.db.GetIdempotencyRecord(userId, key)
	if err != nil {
		i.log.WithError(err).Error("could not load saved response")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "could not load saved response")
	}

	if !rec.Complete() {
		// A request in another process holds the claim. Waiting here could
		// outlive the client's patience, so ask it to come back.
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusConflict, ErrInProgress.Error())
	}

	header := http.Header{}
	if rec.ResponseHeaders != "" {
		err = json.Unmarshal([]byte(rec.ResponseHeaders), &header)
		if err != nil {
			return fmt.Errorf("could not decode saved response headers, %w", err)
		}
	}

	i.log.WithField("key", key).Debug("replaying saved response")
	return flush(c.Response().Writer, header, *rec.ResponseStatus, rec.ResponseBody)
}

func flush(w http.ResponseWriter, header http.Header, status int, body []byte) error {
	for name, values := range header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}

// recorder buffers the handler's response so it can be persisted before a
// single byte reaches the client.
type recorder struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}
