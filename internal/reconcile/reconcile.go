// Package reconcile runs the reply loop: each account's inbox is read over
// IMAP and incoming mail is matched against that account's outstanding sent
// messages. A match flips the message to responded and fans out a
// notification.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/beakon/outreach"
	"github.com/beakon/outreach/internal/dao"
	"github.com/beakon/outreach/internal/mailbox"
	"github.com/beakon/outreach/internal/metrics"
	"github.com/beakon/outreach/internal/notify"
	"github.com/beakon/outreach/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval time.Duration
	// Window bounds how far back the inbox is searched.
	Window time.Duration
	// LoosenedProviders lists IMAP host substrings whose webmail rewrites
	// reply subjects, enabling the loose matching rule.
	LoosenedProviders []string
}

type Reconciler struct {
	db       dao.DAO
	dialer   mailbox.Dialer
	notifier notify.Notifier
	cfg      Config
	clock    tools.Clock
	log      *logrus.Logger
	counters *metrics.Counters

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func New(db dao.DAO, dialer mailbox.Dialer, notifier notify.Notifier, cfg Config, clock tools.Clock, log *logrus.Logger, counters *metrics.Counters) *Reconciler {
	if clock == nil {
		clock = tools.SystemClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Reconciler{
		db:       db,
		dialer:   dialer,
		notifier: notifier,
		cfg:      cfg,
		clock:    clock,
		log:      log,
		counters: counters,
		done:     make(chan struct{}),
	}
}

func (r *Reconciler) Start() {
	r.startOnce.Do(func() {
		r.log.WithField("interval", r.cfg.Interval).Info("starting reconcile loop")
		go func() {
			for {
				select {
				case <-time.After(r.cfg.Interval):
				case <-r.done:
					return
				}
				started := time.Now()
				r.ReconcileAll()
				r.counters.ObserveCycle("reconcile", time.Since(started).Seconds())
			}
		}()
	})
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	return nil
}

// ReconcileAll runs one pass over every account with IMAP enabled. A broken
// connection aborts that account only; the others still get their turn.
func (r *Reconciler) ReconcileAll() int {
	accounts, err := r.db.GetReconcilableAccounts()
	if err != nil {
		r.log.WithError(err).Error("could not load reconcilable accounts")
		return 0
	}

	var matched int
	for _, account := range accounts {
		n, err := r.ReconcileAccount(&account)
		if err != nil {
			r.log.WithError(err).WithField("account", account.Email).Warn("reconcile pass failed")
			continue
		}
		matched += n
	}
	return matched
}

// ReconcileAccount matches one account's recent inbound mail against its
// outstanding sent messages. Newest inbound mail is considered first, and
// each sent message absorbs at most one reply per pass.
func (r *Reconciler) ReconcileAccount(account *dao.Account) (int, error) {

	l := r.log.WithField("account", account.Email)

	outstanding, err := r.db.OutstandingSent(account.ID)
	if err != nil {
		return 0, err
	}
	if len(outstanding) == 0 {
		return 0, nil
	}

	session, err := r.dialer.Dial(mailbox.Creds{
		Host:     account.IMAPHost,
		Port:     account.IMAPPort,
		Username: account.IMAPUsername,
		Password: account.IMAPPassword,
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = session.Close()
	}()

	uids, err := session.ListSince(r.clock.Now().Add(-r.cfg.Window))
	if err != nil {
		return 0, err
	}

	loose := r.loosenedProvider(account.IMAPHost)
	claimed := map[string]bool{}

	var matched int
	for i := len(uids) - 1; i >= 0; i-- {
		in, err := session.Fetch(uids[i])
		if err != nil {
			l.WithError(err).WithField("uid", uids[i]).Debug("could not fetch inbound message")
			continue
		}
		if strings.EqualFold(in.Sender, account.Email) {
			continue
		}

		for _, sent := range outstanding {
			if claimed[sent.ID] {
				continue
			}
			if !r.matches(in, &sent, loose) {
				continue
			}

			receivedAt := r.clock.Now()
			err = r.db.MarkResponded(sent.ID, receivedAt, in.Subject, in.Preview)
			if err != nil {
				// lost the race against a concurrent pass
				l.WithError(err).WithField("message", sent.ID).Debug("responded claim lost")
				claimed[sent.ID] = true
				break
			}

			claimed[sent.ID] = true
			matched++
			r.counters.IncReplies()
			l.WithField("message", sent.ID).
				WithField("sender", in.Sender).
				Info("reply reconciled")

			r.notifier.ReplyReceived(outreach.Notification{
				MessageID:      sent.ID,
				RecipientEmail: sent.RecipientEmail,
				Subject:        in.Subject,
				Body:           in.Preview,
				ReceivedAt:     receivedAt,
			})
			break
		}
	}
	return matched, nil
}

func (r *Reconciler) matches(in *mailbox.Inbound, sent *dao.SentMessage, loose bool) bool {
	if !SenderMatches(in.Sender, sent.RecipientEmail) {
		return false
	}
	if SubjectsMatch(in.Subject, sent.Subject) {
		return true
	}
	exactSender := strings.EqualFold(strings.TrimSpace(in.Sender), strings.TrimSpace(sent.RecipientEmail))
	return loose && exactSender && LooseSubjectsMatch(in.Subject, sent.Subject)
}

func (r *Reconciler) loosenedProvider(imapHost string) bool {
	host := strings.ToLower(imapHost)
	for _, provider := range r.cfg.LoosenedProviders {
		if provider != "" && strings.Contains(host, strings.ToLower(provider)) {
			return true
		}
	}
	return false
}

// Verify proves an account's IMAP credentials by opening and closing a
// session, and stamps the account on success.
func (r *Reconciler) Verify(accountID string) error {
	account, err := r.db.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.IMAPHost == "" {
		return &outreach.ValidationError{Reason: "account has no imap host configured"}
	}

	err = r.dialer.Verify(mailbox.Creds{
		Host:     account.IMAPHost,
		Port:     account.IMAPPort,
		Username: account.IMAPUsername,
		Password: account.IMAPPassword,
	})
	if err != nil {
		return err
	}
	return r.db.SetIMAPVerified(account.ID, r.clock.Now())
}
