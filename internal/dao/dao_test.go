package dao

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/beakon/outreach"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDAO(t *testing.T) DAO {
	t.Helper()
	d, err := NewSQLite(filepath.Join(t.TempDir(), "outreach.sqlite"))
	require.NoError(t, err)
	return d
}

func seedAccount(t *testing.T, d DAO) *Account {
	t.Helper()
	a := &Account{
		Name:         "Sales One",
		Email:        "sales@acme.example",
		SMTPHost:     "smtp.acme.example",
		SMTPPort:     465,
		SMTPUsername: "sales@acme.example",
		SMTPPassword: "secret",
		DailyLimit:   50,
		Active:       true,
	}
	require.NoError(t, d.AddAccount(a))
	return a
}

func seedRecipient(t *testing.T, d DAO, email string) *Recipient {
	t.Helper()
	r := &Recipient{Email: email, Active: true}
	require.NoError(t, d.AddRecipient(r))
	return r
}

func seedMessage(t *testing.T, d DAO, accountID, recipientID string, status outreach.Status, scheduledAt *time.Time) *Message {
	t.Helper()
	m := Message{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		RecipientID: recipientID,
		Subject:     "Quick question",
		Body:        "<p>Hi there</p>",
		Status:      status,
		ScheduledAt: scheduledAt,
	}
	require.NoError(t, d.InsertMessages([]Message{m}))
	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	return got
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestAccountRoundTrip(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)

	got, err := d.GetAccount(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Email, got.Email)
	assert.True(t, got.Active)
	assert.Nil(t, got.IMAPVerifiedAt)

	_, err = d.GetAccount("no-such-id")
	assert.ErrorIs(t, err, outreach.ErrNotFound)
}

func TestGetReconcilableAccounts(t *testing.T) {
	d := testDAO(t)

	seedAccount(t, d)

	withIMAP := &Account{
		Name: "Imap", Email: "imap@acme.example",
		SMTPHost: "smtp.acme.example", SMTPPort: 465,
		SMTPUsername: "imap@acme.example", SMTPPassword: "secret",
		IMAPHost: "imap.acme.example", IMAPPort: 993,
		IMAPUsername: "imap@acme.example", IMAPPassword: "secret",
		IMAPEnabled:  true,
		DailyLimit:   50, Active: true,
	}
	require.NoError(t, d.AddAccount(withIMAP))

	accounts, err := d.GetReconcilableAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, withIMAP.ID, accounts[0].ID)

	verifiedAt := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.SetIMAPVerified(withIMAP.ID, verifiedAt))
	got, err := d.GetAccount(withIMAP.ID)
	require.NoError(t, err)
	require.NotNil(t, got.IMAPVerifiedAt)
	assert.True(t, got.IMAPVerifiedAt.Equal(verifiedAt))
}

func TestInsertMessagesAtomicity(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	id := "fixed-id"
	batch := []Message{
		{ID: id, AccountID: a.ID, RecipientID: r.ID, Subject: "one", Body: "b"},
		{ID: id, AccountID: a.ID, RecipientID: r.ID, Subject: "two", Body: "b"},
	}
	err := d.InsertMessages(batch)
	require.Error(t, err)
	var perr *outreach.PersistenceError
	assert.ErrorAs(t, err, &perr)

	_, err = d.GetMessage(id)
	assert.ErrorIs(t, err, outreach.ErrNotFound, "failed batch must leave nothing behind")
}

func TestDueMessagesOrderAndFilter(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	later := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now.Add(-time.Minute)))
	earlier := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now.Add(-time.Hour)))
	seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now.Add(time.Hour)))
	seedMessage(t, d, a.ID, r.ID, outreach.StatusPaused, ptrTime(now.Add(-time.Hour)))

	due, err := d.DueMessages(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlier.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)
}

func TestSentTodayCount(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	today := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))
	require.NoError(t, d.MarkSent(today.ID, now.Add(-time.Hour)))

	yesterday := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))
	require.NoError(t, d.MarkSent(yesterday.ID, now.Add(-25*time.Hour)))

	n, err := d.SentTodayCount(a.ID, midnight)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkSentCAS(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Now().In(time.UTC)
	m := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))

	require.NoError(t, d.MarkSent(m.ID, now))
	err := d.MarkSent(m.ID, now)
	assert.ErrorIs(t, err, outreach.ErrIllegalTransition, "second claim must lose the race")

	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
}

func TestMarkRespondedRecordsResponse(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	m := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))

	err := d.MarkResponded(m.ID, now, "Re: Quick question", "sounds good")
	assert.ErrorIs(t, err, outreach.ErrIllegalTransition, "pending message cannot be responded")

	require.NoError(t, d.MarkSent(m.ID, now))
	require.NoError(t, d.MarkResponded(m.ID, now.Add(time.Hour), "Re: Quick question", "sounds good"))

	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusResponded, got.Status)
	require.NotNil(t, got.ResponseSubject)
	assert.Equal(t, "Re: Quick question", *got.ResponseSubject)
	require.NotNil(t, got.ResponseBody)
	assert.Equal(t, "sounds good", *got.ResponseBody)
}

func TestSetStatusPauseResume(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Now().In(time.UTC)
	m := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))

	require.NoError(t, d.SetStatus(m.ID, outreach.StatusPending, outreach.StatusPaused))
	require.NoError(t, d.SetStatus(m.ID, outreach.StatusPaused, outreach.StatusPending))

	err := d.SetStatus(m.ID, outreach.StatusSent, outreach.StatusPending)
	assert.ErrorIs(t, err, outreach.ErrIllegalTransition, "illegal edge rejected before touching the store")
}

func TestHasPendingMessageGuard(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	c := &Campaign{Name: "Spring"}
	require.NoError(t, d.AddCampaign(c))
	tpl := &Template{Name: "intro", Subject: "Hi {{first_name}}", Body: "b", Active: true}
	require.NoError(t, d.AddTemplate(tpl))

	now := time.Now().In(time.UTC)
	require.NoError(t, d.InsertMessages([]Message{{
		AccountID: a.ID, RecipientID: r.ID,
		CampaignID: &c.ID, TemplateID: &tpl.ID,
		Subject: "Hi", Body: "b", ScheduledAt: ptrTime(now),
	}}))

	has, err := d.HasPendingMessage(r.ID, &c.ID, nil)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = d.HasPendingMessage(r.ID, nil, &tpl.ID)
	require.NoError(t, err)
	assert.True(t, has)

	other := "other-campaign"
	has, err = d.HasPendingMessage(r.ID, &other, nil)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMessagesNeedingFollowUp(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-7 * 24 * time.Hour)

	stale := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))
	require.NoError(t, d.MarkSent(stale.ID, cutoff.Add(-time.Hour)))

	fresh := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))
	require.NoError(t, d.MarkSent(fresh.ID, now.Add(-time.Hour)))

	answered := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))
	require.NoError(t, d.MarkSent(answered.ID, cutoff.Add(-2*time.Hour)))
	require.NoError(t, d.MarkResponded(answered.ID, now, "Re: Quick question", "yes"))

	need, err := d.MessagesNeedingFollowUp(cutoff)
	require.NoError(t, err)
	require.Len(t, need, 1)
	assert.Equal(t, stale.ID, need[0].ID)

	// A child follow-up removes the parent from the sweep.
	require.NoError(t, d.InsertMessages([]Message{{
		AccountID: a.ID, RecipientID: r.ID,
		Subject: "Re: Quick question", Body: "b",
		ScheduledAt: ptrTime(now.Add(24 * time.Hour)),
		IsFollowUp:  true, ParentID: &stale.ID,
	}}))

	has, err := d.HasPendingFollowUp(stale.ID)
	require.NoError(t, err)
	assert.True(t, has)

	need, err = d.MessagesNeedingFollowUp(cutoff)
	require.NoError(t, err)
	assert.Empty(t, need)
}

func TestOutstandingSentJoinsRecipient(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Now().In(time.UTC)
	m := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))
	require.NoError(t, d.MarkSent(m.ID, now))

	out, err := d.OutstandingSent(a.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "lead@example.com", out[0].RecipientEmail)

	require.NoError(t, d.MarkResponded(m.ID, now, "Re: Quick question", "yes"))
	out, err = d.OutstandingSent(a.ID)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReschedulePending(t *testing.T) {
	d := testDAO(t)
	a := seedAccount(t, d)
	r := seedRecipient(t, d, "lead@example.com")

	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	m := seedMessage(t, d, a.ID, r.ID, outreach.StatusPending, ptrTime(now))

	at := now.Add(48 * time.Hour)
	require.NoError(t, d.ReschedulePending(m.ID, at))

	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(at))

	require.NoError(t, d.MarkSent(m.ID, now))
	err = d.ReschedulePending(m.ID, at)
	assert.ErrorIs(t, err, outreach.ErrIllegalTransition)
}

func TestDerivedFirstName(t *testing.T) {
	name := "Ada"
	cases := []struct {
		recipient Recipient
		expect    string
	}{
		{Recipient{Email: "john.smith@example.com"}, "John"},
		{Recipient{Email: "mary_jane@example.com"}, "Mary"},
		{Recipient{Email: "bob-jones+tag@example.com"}, "Bob"},
		{Recipient{Email: "dave99@example.com"}, "Dave"},
		{Recipient{Email: "12345@example.com"}, "there"},
		{Recipient{Email: "___@example.com"}, "there"},
		{Recipient{Email: "x@example.com", FirstName: &name}, "Ada"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, c.recipient.DerivedFirstName(), c.recipient.Email)
	}
}
