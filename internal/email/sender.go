package email

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/sony/gobreaker"
	"gopkg.in/gomail.v2"

	"PulseDispatch/internal/models"
)

// Sender delivers one message per call over SMTP. It never retries on its
// own; retry belongs to the task queue.
type Sender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string

	Breaker *gobreaker.CircuitBreaker

	deliver func(m *gomail.Message) error
}

func NewSender(host string, port int, user, password, from string, breaker *gobreaker.CircuitBreaker) *Sender {
	s := &Sender{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		From:     from,
		Breaker:  breaker,
	}
	d := gomail.NewDialer(host, port, user, password)
	s.deliver = func(m *gomail.Message) error {
		return d.DialAndSend(m)
	}
	return s
}

// NewBreaker trips after maxFailures consecutive SMTP failures and probes
// again after openTimeout.
func NewBreaker(maxFailures uint32, openTimeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
	})
}

func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := s.message(to, subject, body)

	call := func() (any, error) {
		return nil, s.deliver(m)
	}

	var err error
	if s.Breaker == nil {
		_, err = call()
	} else {
		_, err = s.Breaker.Execute(call)
	}
	if err != nil {
		return fmt.Errorf("%w: smtp send to %s: %w", models.ErrTransport, to, err)
	}
	return nil
}

func (s *Sender) message(to, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	m.AddAlternative("text/html", "<div>"+html.EscapeString(body)+"</div>")
	return m
}
