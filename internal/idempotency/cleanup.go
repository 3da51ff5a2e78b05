package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/modfin/bulletin/internal/dao"
	"github.com/modfin/bulletin/tools"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RetentionDays is how long completed idempotency records are kept. A replay
// older than this window executes as a fresh request.
const RetentionDays = 30

func NewCleanup(db dao.DAO, lc *tools.Logger) *Cleanup {
	return &Cleanup{
		db:  db,
		log: lc.New("idempotency-cleanup"),
	}
}

// Cleanup is the storage-hygiene worker that drops idempotency records older
// than the retention window once a day. A failed sweep is just deferred to
// the next cycle.
type Cleanup struct {
	db   dao.DAO
	log  *logrus.Logger
	cron *cron.Cron

	ostart sync.Once
	ostop  sync.Once
}

func (c *Cleanup) Start() {
	c.ostart.Do(func() {
		c.cron = cron.New()
		_, err := c.cron.AddFunc("@daily", c.sweep)
		if err != nil {
			c.log.WithError(err).Error("could not schedule cleanup, stale records will accumulate")
			return
		}
		c.cron.Start()
		c.log.Infof("Starting idempotency cleanup, retention %d days", RetentionDays)

		// Catch up on anything missed while the process was down.
		go c.sweep()
	})
}

func (c *Cleanup) sweep() {
	cutoff := time.Now().AddDate(0, 0, -RetentionDays)
	n, err := c.db.DeleteIdempotencyRecordsBefore(cutoff)
	if err != nil {
		c.log.WithError(err).Error("could not delete stale idempotency records")
		return
	}
	c.log.WithField("deleted", n).Info("swept stale idempotency records")
}

func (c *Cleanup) Stop(ctx context.Context) error {
	var err error
	c.ostop.Do(func() {
		if c.cron == nil {
			return
		}
		select {
		case <-c.cron.Stop().Done():
			c.log.Info("idempotency cleanup has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
