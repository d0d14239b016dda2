package dispatch

import (
	"context"
	"io"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beakon/outreach"
	"github.com/beakon/outreach/internal/dao"
	"github.com/beakon/outreach/internal/metrics"
	"github.com/beakon/outreach/internal/transport"
	"github.com/beakon/outreach/tools"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string // "from -> to: subject"
	reject map[string]*transport.SendError
}

func (f *fakeTransport) Send(_ context.Context, _ transport.Creds, from, to, subject, _ string) *transport.SendError {
	f.mu.Lock()
	defer f.mu.Unlock()
	if serr, ok := f.reject[to]; ok {
		return serr
	}
	f.sent = append(f.sent, from+" -> "+to+": "+subject)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func testDispatcher(t *testing.T) (*Dispatcher, dao.DAO, *fakeTransport, *tools.ManualClock) {
	t.Helper()
	d, err := dao.NewSQLite(filepath.Join(t.TempDir(), "outreach.sqlite"))
	require.NoError(t, err)

	trans := &fakeTransport{reject: map[string]*transport.SendError{}}
	clock := tools.NewManualClock(testNow)
	disp := New(d, trans, Config{Interval: time.Hour}, clock, quietLogger(), metrics.New())
	return disp, d, trans, clock
}

func seedAccount(t *testing.T, d dao.DAO, email string, dailyLimit int, active bool) *dao.Account {
	t.Helper()
	a := &dao.Account{
		Name: email, Email: email,
		SMTPHost: "smtp.acme.example", SMTPPort: 465,
		SMTPUsername: email, SMTPPassword: "secret",
		DailyLimit: dailyLimit, Active: active,
	}
	require.NoError(t, d.AddAccount(a))
	return a
}

func seedDue(t *testing.T, d dao.DAO, a *dao.Account, email string, at time.Time) *dao.Message {
	t.Helper()
	r := &dao.Recipient{Email: email, Active: true}
	require.NoError(t, d.AddRecipient(r))

	m := dao.Message{
		ID:          uuid.New().String(),
		AccountID:   a.ID,
		RecipientID: r.ID,
		Subject:     "Quick question",
		Body:        "<p>Hi there</p>",
		ScheduledAt: &at,
	}
	require.NoError(t, d.InsertMessages([]dao.Message{m}))
	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	return got
}

func TestProcessDueSendsAndMarks(t *testing.T) {
	disp, d, trans, _ := testDispatcher(t)
	a := seedAccount(t, d, "sales@acme.example", 50, true)

	m1 := seedDue(t, d, a, "one@example.com", testNow.Add(-time.Hour))
	m2 := seedDue(t, d, a, "two@example.com", testNow.Add(-time.Minute))
	notDue := seedDue(t, d, a, "later@example.com", testNow.Add(time.Hour))

	n := disp.ProcessDue(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, trans.count())

	for _, id := range []string{m1.ID, m2.ID} {
		got, err := d.GetMessage(id)
		require.NoError(t, err)
		assert.Equal(t, outreach.StatusSent, got.Status)
		require.NotNil(t, got.SentAt)
	}

	got, err := d.GetMessage(notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusPending, got.Status)
}

func TestProcessDueRespectsDailyLimit(t *testing.T) {
	disp, d, trans, clock := testDispatcher(t)
	a := seedAccount(t, d, "sales@acme.example", 3, true)

	for i := 0; i < 5; i++ {
		seedDue(t, d, a, uuid.New().String()+"@example.com", testNow.Add(-time.Hour))
	}

	n := disp.ProcessDue(context.Background())
	assert.Equal(t, 3, n, "first cycle stops at the cap")
	assert.Equal(t, 3, trans.count())

	n = disp.ProcessDue(context.Background())
	assert.Equal(t, 0, n, "cap holds for the rest of the day")

	// quota resets at midnight
	clock.Set(testNow.Add(24 * time.Hour))
	n = disp.ProcessDue(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, 5, trans.count())
}

func TestProcessDueSkipsInactiveAccount(t *testing.T) {
	disp, d, trans, _ := testDispatcher(t)
	a := seedAccount(t, d, "gone@acme.example", 50, false)
	m := seedDue(t, d, a, "one@example.com", testNow.Add(-time.Hour))

	n := disp.ProcessDue(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, trans.count())

	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusPending, got.Status, "inactive account leaves messages pending")
}

func TestProcessDueMarksFailed(t *testing.T) {
	disp, d, trans, _ := testDispatcher(t)
	a := seedAccount(t, d, "sales@acme.example", 50, true)

	bad := seedDue(t, d, a, "bounce@example.com", testNow.Add(-time.Hour))
	good := seedDue(t, d, a, "fine@example.com", testNow.Add(-time.Minute))

	trans.reject["bounce@example.com"] = &transport.SendError{
		Kind: transport.KindAuthFailure,
		Err:  &textproto.Error{Code: 535, Msg: "authentication failed"},
	}

	n := disp.ProcessDue(context.Background())
	assert.Equal(t, 1, n)

	got, err := d.GetMessage(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusFailed, got.Status)

	got, err = d.GetMessage(good.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusSent, got.Status)
}

func TestPausedMessagesNotDispatched(t *testing.T) {
	disp, d, _, _ := testDispatcher(t)
	a := seedAccount(t, d, "sales@acme.example", 50, true)
	m := seedDue(t, d, a, "one@example.com", testNow.Add(-time.Hour))

	require.NoError(t, d.SetStatus(m.ID, outreach.StatusPending, outreach.StatusPaused))

	n := disp.ProcessDue(context.Background())
	assert.Equal(t, 0, n)

	got, err := d.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, outreach.StatusPaused, got.Status)
}
