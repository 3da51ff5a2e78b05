package courier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/modfin/bulletin"
	"github.com/modfin/bulletin/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {

	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"greylisted", &textproto.Error{Code: 451, Msg: "try again later"}, false},
		{"mailbox full", &textproto.Error{Code: 452, Msg: "mailbox full"}, false},
		{"no such user", &textproto.Error{Code: 550, Msg: "no such user"}, true},
		{"rejected content", &textproto.Error{Code: 554, Msg: "message rejected"}, true},
		{"dial timeout", &net.OpError{Op: "dial", Err: errors.New("i/o timeout")}, false},
		{"unknown", errors.New("connection reset"), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.err)
			require.Error(t, got)
			assert.Equal(t, c.permanent, Permanent(got))
			if c.permanent {
				assert.ErrorIs(t, got, ErrPermanent)
			} else {
				assert.ErrorIs(t, got, ErrTransient)
			}
		})
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	err := Classify(&textproto.Error{Code: 550, Msg: "no such user"})
	assert.Equal(t, err, Classify(err))

	wrapped := fmt.Errorf("sending failed: %w", ErrTransient)
	assert.Equal(t, wrapped, Classify(wrapped))
}

func TestSendRejectsInvalidRecipient(t *testing.T) {
	lc := tools.LoggerCloner(logrus.New())
	s := NewSMTP(Config{Host: "localhost", Port: 2525, From: "newsletter@localhost"}, lc)

	err := s.Send(context.Background(), "not-an-address", bulletin.NewIssue("t", "<p>h</p>", "h"))
	require.Error(t, err)
	assert.True(t, Permanent(err), "malformed recipients must never be retried")
}

func TestSendHonoursContext(t *testing.T) {
	lc := tools.LoggerCloner(logrus.New())
	// Reserved TEST-NET address, nothing is listening.
	s := NewSMTP(Config{Host: "192.0.2.1", Port: 2525, From: "newsletter@localhost"}, lc)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, "someone@example.com", bulletin.NewIssue("t", "", "h"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
}
