// Package mailbox reads an account's inbox over IMAP. The reconciliation
// loop only needs three things from a session: the UIDs received since a
// cutoff, the raw message behind a UID, and a clean logout.
package mailbox

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type Creds struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (c Creds) addr() string {
	port := c.Port
	if port == 0 {
		port = 993
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

type Dialer interface {
	Dial(creds Creds) (Session, error)
	// Verify opens and closes a session, proving the credentials work.
	Verify(creds Creds) error
}

type Session interface {
	// ListSince returns the UIDs of inbox messages received on or after the
	// cutoff, in mailbox order.
	ListSince(cutoff time.Time) ([]imap.UID, error)
	Fetch(uid imap.UID) (*Inbound, error)
	Close() error
}

// Inbound is one fetched inbox message, reduced to the fields the matcher
// needs.
type Inbound struct {
	Sender  string
	Subject string
	Preview string
}

func NewDialer() Dialer {
	return &imapDialer{}
}

type imapDialer struct{}

func (d *imapDialer) Dial(creds Creds) (Session, error) {
	c, err := imapclient.DialTLS(creds.addr(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s, %w", creds.addr(), err)
	}
	err = c.Login(creds.Username, creds.Password).Wait()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("could not login as %s, %w", creds.Username, err)
	}
	_, err = c.Select("INBOX", nil).Wait()
	if err != nil {
		_ = c.Logout().Wait()
		return nil, fmt.Errorf("could not select inbox, %w", err)
	}
	return &imapSession{c: c}, nil
}

func (d *imapDialer) Verify(creds Creds) error {
	s, err := d.Dial(creds)
	if err != nil {
		return err
	}
	return s.Close()
}

type imapSession struct {
	c *imapclient.Client
}

func (s *imapSession) ListSince(cutoff time.Time) ([]imap.UID, error) {
	data, err := s.c.UIDSearch(&imap.SearchCriteria{Since: cutoff}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("could not search inbox, %w", err)
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) Fetch(uid imap.UID) (*Inbound, error) {
	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierNone}
	cmd := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})

	bufs, err := cmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("could not fetch uid %d, %w", uid, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("uid %d was not found in inbox", uid)
	}

	raw := bufs[0].FindBodySection(section)
	if len(raw) == 0 {
		return nil, fmt.Errorf("uid %d has no body", uid)
	}
	return ParseInbound(raw)
}

func (s *imapSession) Close() error {
	return s.c.Logout().Wait()
}
