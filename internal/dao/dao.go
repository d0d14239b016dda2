package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/beakon/outreach"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type DAO interface {
	AddAccount(a *Account) error
	GetAccount(id string) (*Account, error)
	GetActiveAccounts() ([]Account, error)
	GetReconcilableAccounts() ([]Account, error)
	SetIMAPVerified(accountID string, at time.Time) error

	AddRecipient(r *Recipient) error
	GetRecipient(id string) (*Recipient, error)
	GetRecipientByEmail(email string) (*Recipient, error)

	AddTemplate(t *Template) error
	GetTemplate(id string) (*Template, error)

	AddCampaign(c *Campaign) error
	GetCampaign(id string) (*Campaign, error)

	InsertMessages(msgs []Message) error
	GetMessage(id string) (*Message, error)
	HasPendingMessage(recipientID string, campaignID, templateID *string) (bool, error)
	HasPendingFollowUp(parentID string) (bool, error)
	DueMessages(now time.Time) ([]Message, error)
	SentTodayCount(accountID string, since time.Time) (int, error)
	OutstandingSent(accountID string) ([]SentMessage, error)
	PendingByCampaign(campaignID string) ([]Message, error)
	MessagesNeedingFollowUp(cutoff time.Time) ([]Message, error)
	RecentResponses(limit int) ([]SentMessage, error)

	MarkSent(id string, at time.Time) error
	MarkFailed(id string) error
	MarkResponded(id string, at time.Time, subject, body string) error
	SetStatus(id string, from, to outreach.Status) error
	ReschedulePending(id string, at time.Time) error
	UpdateMessageContent(id string, subject, body string) error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS account (
	    id            TEXT PRIMARY KEY,
	    name          TEXT NOT NULL,
	    email         TEXT NOT NULL UNIQUE,

	    smtp_host     TEXT NOT NULL,
	    smtp_port     INTEGER NOT NULL DEFAULT 465,
	    smtp_username TEXT NOT NULL,
	    smtp_password TEXT NOT NULL,

	    imap_host        TEXT NOT NULL DEFAULT '',
	    imap_port        INTEGER NOT NULL DEFAULT 993,
	    imap_username    TEXT NOT NULL DEFAULT '',
	    imap_password    TEXT NOT NULL DEFAULT '',
	    imap_enabled     INTEGER NOT NULL DEFAULT 0,
	    imap_verified_at DATETIME,

	    daily_limit INTEGER NOT NULL DEFAULT 50,
	    active      INTEGER NOT NULL DEFAULT 1,

	    created_at DATETIME NOT NULL,
	    updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recipient (
	    id         TEXT PRIMARY KEY,
	    email      TEXT NOT NULL UNIQUE,
	    first_name TEXT,
	    active     INTEGER NOT NULL DEFAULT 1,
	    created_at DATETIME NOT NULL,
	    updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS template (
	    id         TEXT PRIMARY KEY,
	    name       TEXT NOT NULL,
	    subject    TEXT NOT NULL,
	    body       TEXT NOT NULL,
	    active     INTEGER NOT NULL DEFAULT 1,
	    created_at DATETIME NOT NULL,
	    updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS campaign (
	    id          TEXT PRIMARY KEY,
	    name        TEXT NOT NULL,
	    template_id TEXT REFERENCES template(id),
	    status      TEXT NOT NULL DEFAULT 'active',
	    created_at  DATETIME NOT NULL,
	    updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message (
	    id           TEXT PRIMARY KEY,
	    account_id   TEXT NOT NULL REFERENCES account(id),
	    recipient_id TEXT NOT NULL REFERENCES recipient(id),
	    template_id  TEXT REFERENCES template(id),
	    campaign_id  TEXT REFERENCES campaign(id),

	    subject TEXT NOT NULL,
	    body    TEXT NOT NULL,
	    status  TEXT NOT NULL DEFAULT 'pending',

	    scheduled_at         DATETIME,
	    sent_at              DATETIME,
	    response_received_at DATETIME,
	    response_subject     TEXT,
	    response_body        TEXT,

	    is_follow_up INTEGER NOT NULL DEFAULT 0,
	    parent_id    TEXT REFERENCES message(id),

	    created_at DATETIME NOT NULL,
	    updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_message_due ON message(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_message_account_sent ON message(account_id, status, sent_at);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}

func (s *sqlite) AddAccount(a *Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().In(time.UTC)
	a.CreatedAt, a.UpdatedAt = now, now

	q := `
	INSERT INTO account (id, name, email,
	                     smtp_host, smtp_port, smtp_username, smtp_password,
	                     imap_host, imap_port, imap_username, imap_password, imap_enabled, imap_verified_at,
	                     daily_limit, active, created_at, updated_at)
	VALUES (:id, :name, :email,
	        :smtp_host, :smtp_port, :smtp_username, :smtp_password,
	        :imap_host, :imap_port, :imap_username, :imap_password, :imap_enabled, :imap_verified_at,
	        :daily_limit, :active, :created_at, :updated_at)
`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, a)
	if err != nil {
		return &outreach.PersistenceError{Op: "add account", Err: err}
	}
	return nil
}

func (s *sqlite) GetAccount(id string) (*Account, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var a Account
	err = db.Get(&a, `SELECT * FROM account WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, outreach.ErrNotFound)
	}
	return &a, err
}

func (s *sqlite) GetActiveAccounts() ([]Account, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var accounts []Account
	err = db.Select(&accounts, `SELECT * FROM account WHERE active = 1`)
	return accounts, err
}

func (s *sqlite) GetReconcilableAccounts() ([]Account, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var accounts []Account
	err = db.Select(&accounts, `
		SELECT * FROM account
		WHERE active = 1
		  AND imap_enabled = 1
		  AND imap_host != ''`)
	return accounts, err
}

func (s *sqlite) SetIMAPVerified(accountID string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE account SET imap_verified_at = ?, updated_at = ? WHERE id = ?`,
		at.In(time.UTC), time.Now().In(time.UTC), accountID)
	if err != nil {
		return &outreach.PersistenceError{Op: "set imap verified", Err: err}
	}
	return nil
}

func (s *sqlite) AddRecipient(r *Recipient) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().In(time.UTC)
	r.CreatedAt, r.UpdatedAt = now, now

	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(`
		INSERT INTO recipient (id, email, first_name, active, created_at, updated_at)
		VALUES (:id, :email, :first_name, :active, :created_at, :updated_at)`, r)
	if err != nil {
		return &outreach.PersistenceError{Op: "add recipient", Err: err}
	}
	return nil
}

func (s *sqlite) GetRecipient(id string) (*Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var r Recipient
	err = db.Get(&r, `SELECT * FROM recipient WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, outreach.ErrNotFound)
	}
	return &r, err
}

func (s *sqlite) GetRecipientByEmail(email string) (*Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var r Recipient
	err = db.Get(&r, `SELECT * FROM recipient WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", email, outreach.ErrNotFound)
	}
	return &r, err
}

func (s *sqlite) AddTemplate(t *Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().In(time.UTC)
	t.CreatedAt, t.UpdatedAt = now, now

	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(`
		INSERT INTO template (id, name, subject, body, active, created_at, updated_at)
		VALUES (:id, :name, :subject, :body, :active, :created_at, :updated_at)`, t)
	if err != nil {
		return &outreach.PersistenceError{Op: "add template", Err: err}
	}
	return nil
}

func (s *sqlite) GetTemplate(id string) (*Template, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var t Template
	err = db.Get(&t, `SELECT * FROM template WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, outreach.ErrNotFound)
	}
	return &t, err
}

func (s *sqlite) AddCampaign(c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = "active"
	}
	now := time.Now().In(time.UTC)
	c.CreatedAt, c.UpdatedAt = now, now

	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(`
		INSERT INTO campaign (id, name, template_id, status, created_at, updated_at)
		VALUES (:id, :name, :template_id, :status, :created_at, :updated_at)`, c)
	if err != nil {
		return &outreach.PersistenceError{Op: "add campaign", Err: err}
	}
	return nil
}

func (s *sqlite) GetCampaign(id string) (*Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var c Campaign
	err = db.Get(&c, `SELECT * FROM campaign WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, outreach.ErrNotFound)
	}
	return &c, err
}

// InsertMessages persists a whole batch in one transaction. On any failure
// the transaction rolls back and no message of the batch is kept.
func (s *sqlite) InsertMessages(msgs []Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return &outreach.PersistenceError{Op: "insert messages", Err: err}
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			if err != nil {
				err = &outreach.PersistenceError{Op: "insert messages", Err: err}
			}
			return
		}
		_ = tx.Rollback()
	}()

	q := `
	INSERT INTO message (id, account_id, recipient_id, template_id, campaign_id,
	                     subject, body, status,
	                     scheduled_at, sent_at, response_received_at, response_subject, response_body,
	                     is_follow_up, parent_id, created_at, updated_at)
	VALUES (:id, :account_id, :recipient_id, :template_id, :campaign_id,
	        :subject, :body, :status,
	        :scheduled_at, :sent_at, :response_received_at, :response_subject, :response_body,
	        :is_follow_up, :parent_id, :created_at, :updated_at)
`
	var stmt *sqlx.NamedStmt
	stmt, err = tx.PrepareNamed(q)
	if err != nil {
		err = &outreach.PersistenceError{Op: "insert messages", Err: err}
		return
	}
	defer stmt.Close()

	now := time.Now().In(time.UTC)
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.New().String()
		}
		if msgs[i].Status == "" {
			msgs[i].Status = outreach.StatusPending
		}
		msgs[i].CreatedAt, msgs[i].UpdatedAt = now, now

		_, err = stmt.Exec(msgs[i])
		if err != nil {
			err = &outreach.PersistenceError{Op: "insert messages", Err: err}
			return
		}
	}
	return
}

func (s *sqlite) GetMessage(id string) (*Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var m Message
	err = db.Get(&m, `SELECT * FROM message WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, outreach.ErrNotFound)
	}
	return &m, err
}

// HasPendingMessage implements the duplicate guard: at most one pending
// message per recipient within a campaign, or within a template when the
// batch has no campaign.
func (s *sqlite) HasPendingMessage(recipientID string, campaignID, templateID *string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	q := `SELECT COUNT(*) FROM message WHERE recipient_id = ? AND status = ?`
	args := []interface{}{recipientID, outreach.StatusPending}

	switch {
	case campaignID != nil:
		q += ` AND campaign_id = ?`
		args = append(args, *campaignID)
	case templateID != nil:
		q += ` AND template_id = ?`
		args = append(args, *templateID)
	}

	var n int
	err = db.Get(&n, q, args...)
	return n > 0, err
}

func (s *sqlite) HasPendingFollowUp(parentID string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	err = db.Get(&n, `SELECT COUNT(*) FROM message WHERE parent_id = ?`, parentID)
	return n > 0, err
}

func (s *sqlite) DueMessages(now time.Time) ([]Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var msgs []Message
	err = db.Select(&msgs, `
		SELECT * FROM message
		WHERE status = ?
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at <= ?
		ORDER BY scheduled_at`, outreach.StatusPending, now.In(time.UTC))
	return msgs, err
}

func (s *sqlite) SentTodayCount(accountID string, since time.Time) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, `
		SELECT COUNT(*) FROM message
		WHERE account_id = ?
		  AND status = ?
		  AND sent_at >= ?`, accountID, outreach.StatusSent, since.In(time.UTC))
	return n, err
}

func (s *sqlite) OutstandingSent(accountID string) ([]SentMessage, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var msgs []SentMessage
	err = db.Select(&msgs, `
		SELECT m.*, r.email AS recipient_email
		FROM message m
		JOIN recipient r ON r.id = m.recipient_id
		WHERE m.account_id = ?
		  AND m.status = ?
		  AND m.response_received_at IS NULL
		ORDER BY m.sent_at DESC`, accountID, outreach.StatusSent)
	return msgs, err
}

func (s *sqlite) PendingByCampaign(campaignID string) ([]Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var msgs []Message
	err = db.Select(&msgs, `
		SELECT * FROM message
		WHERE campaign_id = ?
		  AND status = ?
		ORDER BY created_at`, campaignID, outreach.StatusPending)
	return msgs, err
}

// MessagesNeedingFollowUp returns sent messages older than the cutoff with
// no response, that are not themselves follow-ups and have none yet.
func (s *sqlite) MessagesNeedingFollowUp(cutoff time.Time) ([]Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var msgs []Message
	err = db.Select(&msgs, `
		SELECT m.* FROM message m
		WHERE m.status = ?
		  AND m.sent_at IS NOT NULL
		  AND m.sent_at <= ?
		  AND m.response_received_at IS NULL
		  AND m.is_follow_up = 0
		  AND NOT EXISTS (SELECT 1 FROM message c WHERE c.parent_id = m.id)
		ORDER BY m.sent_at`, outreach.StatusSent, cutoff.In(time.UTC))
	return msgs, err
}

func (s *sqlite) RecentResponses(limit int) ([]SentMessage, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var msgs []SentMessage
	err = db.Select(&msgs, `
		SELECT m.*, r.email AS recipient_email
		FROM message m
		JOIN recipient r ON r.id = m.recipient_id
		WHERE m.status = ?
		ORDER BY m.response_received_at DESC
		LIMIT ?`, outreach.StatusResponded, limit)
	return msgs, err
}

// transition commits a compare-and-set status write. The row must still be
// in the expected status; otherwise nothing changes and the caller gets an
// illegal-transition precondition failure.
func (s *sqlite) transition(id string, from, to outreach.Status, set string, args ...interface{}) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`UPDATE message SET status = ?, updated_at = ?%s WHERE id = ? AND status = ?`, set)
	qargs := append([]interface{}{to, time.Now().In(time.UTC)}, args...)
	qargs = append(qargs, id, from)

	res, err := db.Exec(q, qargs...)
	if err != nil {
		return &outreach.PersistenceError{Op: fmt.Sprintf("transition %s -> %s", from, to), Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &outreach.PersistenceError{Op: fmt.Sprintf("transition %s -> %s", from, to), Err: err}
	}
	if affected != 1 {
		return fmt.Errorf("message %s was not in status %s: %w", id, from, outreach.ErrIllegalTransition)
	}
	return nil
}

func (s *sqlite) MarkSent(id string, at time.Time) error {
	return s.transition(id, outreach.StatusPending, outreach.StatusSent, `, sent_at = ?`, at.In(time.UTC))
}

func (s *sqlite) MarkFailed(id string) error {
	return s.transition(id, outreach.StatusPending, outreach.StatusFailed, ``)
}

func (s *sqlite) MarkResponded(id string, at time.Time, subject, body string) error {
	return s.transition(id, outreach.StatusSent, outreach.StatusResponded,
		`, response_received_at = ?, response_subject = ?, response_body = ?`,
		at.In(time.UTC), subject, body)
}

// SetStatus is the administrative edge, eg pause and resume. The edge is
// checked against the state machine before touching the store.
func (s *sqlite) SetStatus(id string, from, to outreach.Status) error {
	if !outreach.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, outreach.ErrIllegalTransition)
	}
	return s.transition(id, from, to, ``)
}

func (s *sqlite) ReschedulePending(id string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE message SET scheduled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		at.In(time.UTC), time.Now().In(time.UTC), id, outreach.StatusPending)
	if err != nil {
		return &outreach.PersistenceError{Op: "reschedule", Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("message %s is not pending: %w", id, outreach.ErrIllegalTransition)
	}
	return nil
}

// UpdateMessageContent refreshes the rendered subject and body of a pending
// message. Used by the dispatch loop's defensive re-personalization.
func (s *sqlite) UpdateMessageContent(id string, subject, body string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE message SET subject = ?, body = ?, updated_at = ? WHERE id = ? AND status = ?`,
		subject, body, time.Now().In(time.UTC), id, outreach.StatusPending)
	if err != nil {
		return &outreach.PersistenceError{Op: "update message content", Err: err}
	}
	return nil
}
