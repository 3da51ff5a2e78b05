package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/modfin/bulletin"
	"github.com/modfin/bulletin/internal/courier"
	"github.com/modfin/bulletin/internal/dao"
	"github.com/modfin/bulletin/internal/metrics"
	"github.com/modfin/bulletin/internal/signals"
	"github.com/modfin/bulletin/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

var (
	deliveredTotal = metrics.Register().NewCounter(prometheus.CounterOpts{
		Name: "bulletin_deliveries_succeeded_total",
		Help: "Number of issue deliveries that were accepted by the relay.",
	})
	retriedTotal = metrics.Register().NewCounter(prometheus.CounterOpts{
		Name: "bulletin_deliveries_retried_total",
		Help: "Number of delivery attempts that failed transiently and were requeued.",
	})
	deadLetteredTotal = metrics.Register().NewCounter(prometheus.CounterOpts{
		Name: "bulletin_deliveries_dead_lettered_total",
		Help: "Number of deliveries that were permanently given up on.",
	})
)

type Config struct {
	Workers      int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MaxAttempts  int
	SendTimeout  time.Duration
}

// Delivery is the standing worker pool that drains the delivery queue. It
// holds no authoritative state of its own; the task store is the only
// coordination point, so any number of restarts are safe.
type Delivery struct {
	cfg     Config
	db      dao.DAO
	courier courier.Courier
	log     *logrus.Logger
	policy  RetryPolicy

	ctx    context.Context
	cancel func()

	ostart sync.Once
	ostop  sync.Once

	pool *pond.WorkerPool
}

func New(cfg Config, db dao.DAO, c courier.Courier, lc *tools.Logger) *Delivery {

	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Delivery{
		cfg:     cfg,
		db:      db,
		courier: c,
		log:     lc.New("delivery"),
		policy:  RetryPolicy{MaxAttempts: cfg.MaxAttempts},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (d *Delivery) Start() {
	d.ostart.Do(func() {
		go d.run()
	})
}

func (d *Delivery) run() {

	d.log.Infof("Starting delivery worker pool with %d workers", d.cfg.Workers)
	d.pool = pond.New(d.cfg.Workers, 0, pond.MinWorkers(d.cfg.Workers))

	sig, cancelSig := signals.Listen(signals.NewTaskInQueue)
	defer cancelSig()

	for {
		d.drain()

		select {
		case <-d.ctx.Done():
			d.log.Info("scan loop stopping")
			d.pool.StopAndWait()
			return
		case <-sig:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// drain runs one scan round: fetch every currently leasable task, hand them
// to the pool and wait the round out. Each task commits its own transition,
// so one failure never touches its siblings.
func (d *Delivery) drain() {

	tasks, err := d.db.QueuedTasks(d.cfg.Workers*2, time.Now().Add(-d.cfg.LeaseTimeout))
	if err != nil {
		// The loop is the retry; next poll will try the store again.
		d.log.WithError(err).Error("could not poll delivery queue")
		return
	}
	if len(tasks) == 0 {
		return
	}

	group := d.pool.Group()
	for _, task := range tasks {
		task := task
		group.Submit(func() {
			d.deliver(task)
		})
	}
	group.Wait()
}

func (d *Delivery) deliver(task dao.DeliveryTask) {

	log := d.log.WithField("issue", task.IssueId).WithField("rcpt", task.SubscriberEmail)

	err := d.db.ClaimTask(task.IssueId, task.SubscriberEmail, time.Now().Add(-d.cfg.LeaseTimeout))
	if errors.Is(err, dao.ErrNotClaimed) {
		log.Debug("task claimed elsewhere, skipping")
		return
	}
	if err != nil {
		log.WithError(err).Error("could not claim task")
		return
	}

	issue, err := d.db.GetIssue(task.IssueId)
	if err != nil {
		log.WithError(err).Error("could not load issue, handing lease back")
		if err = d.db.ReleaseTask(task.IssueId, task.SubscriberEmail); err != nil {
			log.WithError(err).Error("could not release task")
		}
		return
	}

	out, err := toIssue(issue)
	if err != nil {
		// The stored row will never parse; releasing would just lease it
		// again forever. Terminal, and visible to operators.
		attempts := task.AttemptCount + 1
		if err2 := d.db.DeadLetterTask(task.IssueId, task.SubscriberEmail, attempts, err.Error()); err2 != nil {
			log.WithError(err2).Error("could not dead-letter task")
			return
		}
		deadLetteredTotal.Inc()
		log.WithError(err).Warn("giving up delivery of malformed issue")
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	defer cancel()

	sendErr := d.courier.Send(ctx, task.SubscriberEmail, out)
	if sendErr == nil {
		if err = d.db.SucceedTask(task.IssueId, task.SubscriberEmail); err != nil {
			log.WithError(err).Error("delivered but could not remove task, it will be retried")
			return
		}
		deliveredTotal.Inc()
		log.Debug("issue delivered")
		return
	}

	if d.ctx.Err() != nil {
		// Shutdown aborted the send; hand the lease back without consuming
		// an attempt so a restart picks the task up cleanly.
		if err = d.db.ReleaseTask(task.IssueId, task.SubscriberEmail); err != nil {
			log.WithError(err).Error("could not release task during shutdown")
		}
		return
	}

	attempts := task.AttemptCount + 1

	switch d.policy.Decide(attempts, courier.Permanent(sendErr)) {
	case GiveUp:
		if err = d.db.DeadLetterTask(task.IssueId, task.SubscriberEmail, attempts, sendErr.Error()); err != nil {
			log.WithError(err).Error("could not dead-letter task")
			return
		}
		deadLetteredTotal.Inc()
		log.WithError(sendErr).Warnf("giving up delivery after %d attempts", attempts)
	case Retry:
		if err = d.db.RetryTask(task.IssueId, task.SubscriberEmail, attempts, sendErr.Error()); err != nil {
			log.WithError(err).Error("could not requeue task")
			return
		}
		retriedTotal.Inc()
		log.WithError(sendErr).Infof("delivery attempt %d failed, will retry", attempts)
	}
}

func (d *Delivery) Stop(ctx context.Context) error {
	var err error
	d.ostop.Do(func() {
		d.cancel()
		if d.pool == nil {
			return
		}
		select {
		case <-d.pool.Stop().Done():
			d.log.Info("delivery worker pool has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func toIssue(in *dao.Issue) (*bulletin.Issue, error) {
	id, err := xid.FromString(in.IssueId)
	if err != nil {
		return nil, fmt.Errorf("issue %q has a malformed id, %w", in.IssueId, err)
	}
	return &bulletin.Issue{
		Id:          id,
		Title:       in.Title,
		HTML:        in.HTML,
		Text:        in.Text,
		PublishedAt: in.PublishedAt,
	}, nil
}
