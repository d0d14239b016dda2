// Package dispatch runs the recurring send loop: due pending messages are
// claimed, checked against each account's daily quota and handed to the
// SMTP transport, one account at a time.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/beakon/outreach/internal/dao"
	"github.com/beakon/outreach/internal/metrics"
	"github.com/beakon/outreach/internal/scheduler"
	"github.com/beakon/outreach/internal/transport"
	"github.com/beakon/outreach/tools"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval time.Duration
	// Pacing is the pause between two sends on the same account.
	Pacing time.Duration
}

type Dispatcher struct {
	db       dao.DAO
	trans    transport.Transport
	cfg      Config
	clock    tools.Clock
	log      *logrus.Logger
	counters *metrics.Counters

	locks *tools.KeyedMutex

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func New(db dao.DAO, trans transport.Transport, cfg Config, clock tools.Clock, log *logrus.Logger, counters *metrics.Counters) *Dispatcher {
	if clock == nil {
		clock = tools.SystemClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Dispatcher{
		db:       db,
		trans:    trans,
		cfg:      cfg,
		clock:    clock,
		log:      log,
		counters: counters,
		locks:    tools.NewKeyedMutex(),
		done:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.log.WithField("interval", d.cfg.Interval).Info("starting dispatch loop")
		go func() {
			for {
				select {
				case <-time.After(d.cfg.Interval):
				case <-d.done:
					return
				}
				started := time.Now()
				d.ProcessDue(context.Background())
				d.counters.ObserveCycle("dispatch", time.Since(started).Seconds())
			}
		}()
	})
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	return nil
}

// ProcessDue runs one dispatch cycle and returns the number of messages
// handed to the transport. Accounts are processed concurrently, messages
// within an account strictly in order.
func (d *Dispatcher) ProcessDue(ctx context.Context) int {

	due, err := d.db.DueMessages(d.clock.Now())
	if err != nil {
		d.log.WithError(err).Error("could not load due messages")
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	byAccount := slicez.GroupBy(due, func(m dao.Message) string {
		return m.AccountID
	})

	var mu sync.Mutex
	var sent int
	var wg sync.WaitGroup
	for accountID, msgs := range byAccount {
		wg.Add(1)
		go func(accountID string, msgs []dao.Message) {
			defer wg.Done()
			n := d.processAccount(ctx, accountID, msgs)
			mu.Lock()
			sent += n
			mu.Unlock()
		}(accountID, msgs)
	}
	wg.Wait()
	return sent
}

func (d *Dispatcher) processAccount(ctx context.Context, accountID string, msgs []dao.Message) int {

	d.locks.Lock(accountID)
	defer d.locks.Unlock(accountID)

	l := d.log.WithField("account", accountID)

	account, err := d.db.GetAccount(accountID)
	if err != nil {
		l.WithError(err).Error("could not load account")
		return 0
	}
	if !account.Active {
		l.Debug("account inactive, skipping due messages")
		return 0
	}

	sentToday, err := d.db.SentTodayCount(account.ID, tools.Midnight(d.clock.Now()))
	if err != nil {
		l.WithError(err).Error("could not count today's sends")
		return 0
	}

	remaining := account.DailyLimit - sentToday
	if remaining <= 0 {
		l.WithField("limit", account.DailyLimit).Info("daily limit reached, deferring")
		for range msgs {
			d.counters.IncQuotaDeferred()
		}
		return 0
	}
	if len(msgs) > remaining {
		for range msgs[remaining:] {
			d.counters.IncQuotaDeferred()
		}
		msgs = msgs[:remaining]
	}

	var sent int
	for i, m := range msgs {
		select {
		case <-ctx.Done():
			return sent
		default:
		}

		if i > 0 && d.cfg.Pacing > 0 {
			select {
			case <-time.After(d.cfg.Pacing):
			case <-ctx.Done():
				return sent
			}
		}

		if d.send(ctx, account, m) {
			sent++
		}
	}
	return sent
}

func (d *Dispatcher) send(ctx context.Context, account *dao.Account, m dao.Message) bool {

	l := d.log.WithField("account", account.Email).WithField("message", m.ID)

	recipient, err := d.db.GetRecipient(m.RecipientID)
	if err != nil {
		l.WithError(err).Error("could not load recipient")
		return false
	}

	// A leftover token means the stored rendering predates a data fix.
	// Re-render from the template rather than sending a raw placeholder.
	if m.TemplateID != nil && scheduler.HasToken(m.Subject+m.Body) {
		tpl, err := d.db.GetTemplate(*m.TemplateID)
		if err == nil {
			m.Subject = scheduler.RenderFor(tpl.Subject, *recipient)
			m.Body = scheduler.RenderFor(tpl.Body, *recipient)
			err = d.db.UpdateMessageContent(m.ID, m.Subject, m.Body)
			if err != nil {
				l.WithError(err).Warn("could not persist re-rendered content")
			}
		}
	}

	serr := d.trans.Send(ctx, transport.Creds{
		Host:     account.SMTPHost,
		Port:     account.SMTPPort,
		Username: account.SMTPUsername,
		Password: account.SMTPPassword,
	}, account.Email, recipient.Email, m.Subject, m.Body)

	if serr != nil {
		l.WithError(serr).WithField("kind", serr.Kind).Warn("transport rejected message")
		d.counters.IncFailed(string(serr.Kind))
		err = d.db.MarkFailed(m.ID)
		if err != nil {
			l.WithError(err).Error("could not mark message failed")
		}
		return false
	}

	err = d.db.MarkSent(m.ID, d.clock.Now())
	if err != nil {
		// the message moved under us, most likely paused mid-cycle
		l.WithError(err).Warn("sent message could not be claimed")
		return false
	}

	d.counters.IncSent()
	l.WithField("to", recipient.Email).Info("message sent")
	return true
}
