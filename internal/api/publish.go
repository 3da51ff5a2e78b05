package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/modfin/bulletin"
	"github.com/modfin/bulletin/internal/dao"
	"github.com/modfin/bulletin/internal/signals"
)

type publishRequest struct {
	Title string `json:"title"`
	HTML  string `json:"html"`
	Text  string `json:"text"`
}

func validate(req publishRequest) error {
	if len(req.Title) == 0 {
		return errors.New("a title must be provided")
	}
	if len(req.Text) == 0 && len(req.HTML) == 0 {
		return errors.New("content of the issue must be provided")
	}
	return nil
}

// publish persists the issue and fans it out to the confirmed subscriber
// snapshot, then returns immediately. Delivery happens asynchronously; the
// caller never sees per-subscriber outcomes here. The idempotency wrapper
// around this handler is what makes a retried submit broadcast only once.
func (s *Server) publish(c echo.Context) error {

	var req publishRequest
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}
	err = validate(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	subscribers, err := s.db.ConfirmedSubscribers()
	if err != nil {
		s.log.WithError(err).Error("could not snapshot confirmed subscribers")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "could not load subscribers")
	}

	issue := bulletin.NewIssue(req.Title, req.HTML, req.Text)
	err = s.db.PublishIssue(dao.Issue{
		IssueId:     issue.Id.String(),
		Title:       issue.Title,
		HTML:        issue.HTML,
		Text:        issue.Text,
		PublishedAt: issue.PublishedAt,
	}, subscribers)
	if err != nil {
		s.log.WithError(err).Error("could not publish issue")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "could not publish issue")
	}

	s.log.WithField("issue", issue.Id.String()).Infof("published issue to %d subscribers", len(subscribers))

	// Wake the delivery pool so draining starts now rather than next poll.
	signals.Broadcast(signals.NewTaskInQueue)

	return c.JSON(http.StatusOK, bulletin.Receipt{
		IssueId:    issue.Id.String(),
		Recipients: len(subscribers),
	})
}

func (s *Server) deadLetters(c echo.Context) error {

	letters, err := s.db.DeadLetters(c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("could not load dead letters")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "could not load dead letters")
	}

	out := make([]bulletin.DeadLetter, 0, len(letters))
	for _, l := range letters {
		out = append(out, bulletin.DeadLetter{
			IssueId:         l.IssueId,
			SubscriberEmail: l.SubscriberEmail,
			AttemptCount:    l.AttemptCount,
			LastError:       l.LastError,
			FailedAt:        l.FailedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
