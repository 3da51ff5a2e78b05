package courier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/textproto"

	"github.com/modfin/bulletin"
	"github.com/modfin/bulletin/tools"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// The courier reports every failure as either transient or permanent. That
// classification is the sole input to the dead-letter decision upstream.
var ErrTransient = errors.New("transient delivery failure")
var ErrPermanent = errors.New("permanent delivery failure")

func Permanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Courier delivers one issue to one recipient. Implementations block no
// longer than the supplied context allows.
type Courier interface {
	Send(ctx context.Context, recipient string, issue *bulletin.Issue) error
}

type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string

	// Hostname is the domain part of generated Message-IDs.
	Hostname string
}

func NewSMTP(cfg Config, lc *tools.Logger) *SMTP {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &SMTP{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
		log:    lc.New("courier"),
	}
}

// SMTP submits issues through a single relay using gomail. It is safe for
// concurrent use; the dialer opens one connection per send.
type SMTP struct {
	cfg    Config
	dialer *gomail.Dialer
	log    *logrus.Logger
}

func (s *SMTP) Send(ctx context.Context, recipient string, issue *bulletin.Issue) error {

	if _, err := mail.ParseAddress(recipient); err != nil {
		return fmt.Errorf("%w: %s is not a valid email address", ErrPermanent, recipient)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", issue.Title)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", issue.Id.String(), s.cfg.Hostname))
	m.SetBody("text/plain", issue.Text)
	if len(issue.HTML) > 0 {
		m.AddAlternative("text/html", issue.HTML)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	var err error
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case err = <-done:
	}

	if err != nil {
		err = Classify(err)
		s.log.WithError(err).WithField("rcpt", recipient).Debug("send failed")
		return err
	}
	return nil
}

// Classify maps an SMTP submission error onto the transient/permanent
// taxonomy. 4xx replies and network trouble are worth retrying, 5xx replies
// are rejections and final.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 500 {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// Unknown failure mode, assume it might clear up.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
