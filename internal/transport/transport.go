// Package transport submits rendered messages over authenticated SMTP and
// classifies submission failures so the dispatch loop can label them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"

	gomail "gopkg.in/gomail.v2"
)

// Kind labels a submission failure for logging and metrics. Every kind is
// treated the same by the dispatcher: the message is marked failed.
type Kind string

const (
	KindResolveFailure Kind = "resolve-failure"
	KindAuthFailure    Kind = "auth-failure"
	KindConnectFailure Kind = "connect-failure"
	KindDisconnected   Kind = "disconnected"
	KindOther          Kind = "other"
)

type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Creds is one account's SMTP submission identity.
type Creds struct {
	Host     string
	Port     int
	Username string
	Password string
}

type Transport interface {
	Send(ctx context.Context, creds Creds, from, to, subject, htmlBody string) *SendError
}

func NewSMTP() Transport {
	return &smtpTransport{}
}

type smtpTransport struct{}

func (t *smtpTransport) Send(ctx context.Context, creds Creds, from, to, subject, htmlBody string) *SendError {

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(creds.Host, creds.Port, creds.Username, creds.Password)
	d.SSL = creds.Port == 465

	errc := make(chan error, 1)
	go func() {
		errc <- d.DialAndSend(m)
	}()

	var err error
	select {
	case <-ctx.Done():
		return &SendError{Kind: KindDisconnected, Err: ctx.Err()}
	case err = <-errc:
	}
	if err == nil {
		return nil
	}
	return &SendError{Kind: classify(err), Err: err}
}

// classify maps a dial-and-send error onto a failure kind. SMTP 535/534 are
// the authentication rejections, anything at the dial step is connect.
func classify(err error) Kind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindResolveFailure
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code == 535 || protoErr.Code == 534 {
			return KindAuthFailure
		}
		return KindOther
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectFailure
	}

	if errors.Is(err, io.EOF) {
		return KindDisconnected
	}
	return KindOther
}
