package dao

import (
	"strings"
	"time"
	"unicode"

	"github.com/beakon/outreach"
)

// Account holds one sending identity: SMTP credentials for dispatch and,
// when enabled, IMAP credentials for reply reconciliation.
type Account struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`

	SMTPHost     string `db:"smtp_host"`
	SMTPPort     int    `db:"smtp_port"`
	SMTPUsername string `db:"smtp_username"`
	SMTPPassword string `db:"smtp_password"`

	IMAPHost       string     `db:"imap_host"`
	IMAPPort       int        `db:"imap_port"`
	IMAPUsername   string     `db:"imap_username"`
	IMAPPassword   string     `db:"imap_password"`
	IMAPEnabled    bool       `db:"imap_enabled"`
	IMAPVerifiedAt *time.Time `db:"imap_verified_at"`

	DailyLimit int  `db:"daily_limit"`
	Active     bool `db:"active"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Recipient struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	FirstName *string   `db:"first_name"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// fallbackName is used when no usable first name can be derived from the
// address, so templates read naturally ("Hi there,").
const fallbackName = "there"

// DerivedFirstName returns the declared first name, or one derived from the
// local part of the address: separators become spaces, the first token is
// taken, purely numeric or purely non-alphanumeric tokens are rejected,
// digits are stripped from the rest.
func (r Recipient) DerivedFirstName() string {
	if r.FirstName != nil && *r.FirstName != "" {
		return *r.FirstName
	}

	local, _, _ := strings.Cut(r.Email, "@")
	for _, sep := range []string{".", "_", "-", "+"} {
		local = strings.ReplaceAll(local, sep, " ")
	}
	token, _, _ := strings.Cut(strings.TrimSpace(local), " ")
	if token == "" {
		return fallbackName
	}

	allDigits := true
	anyAlnum := false
	for _, c := range token {
		if !unicode.IsDigit(c) {
			allDigits = false
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			anyAlnum = true
		}
	}
	if allDigits || !anyAlnum {
		return fallbackName
	}

	var b strings.Builder
	for _, c := range token {
		if !unicode.IsDigit(c) {
			b.WriteRune(c)
		}
	}
	name := b.String()
	if name == "" {
		return fallbackName
	}
	return strings.ToUpper(name[:1]) + strings.ToLower(name[1:])
}

type Template struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Subject   string    `db:"subject"`
	Body      string    `db:"body"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Campaign struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	TemplateID *string   `db:"template_id"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Message is one outbound email instance. Identity fields are immutable
// once created; only status, scheduling and response fields mutate.
type Message struct {
	ID          string  `db:"id"`
	AccountID   string  `db:"account_id"`
	RecipientID string  `db:"recipient_id"`
	TemplateID  *string `db:"template_id"`
	CampaignID  *string `db:"campaign_id"`

	Subject string          `db:"subject"`
	Body    string          `db:"body"`
	Status  outreach.Status `db:"status"`

	ScheduledAt        *time.Time `db:"scheduled_at"`
	SentAt             *time.Time `db:"sent_at"`
	ResponseReceivedAt *time.Time `db:"response_received_at"`
	ResponseSubject    *string    `db:"response_subject"`
	ResponseBody       *string    `db:"response_body"`

	IsFollowUp bool    `db:"is_follow_up"`
	ParentID   *string `db:"parent_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SentMessage is a message joined with its recipient's address, the shape
// the reconciliation loop matches against.
type SentMessage struct {
	Message
	RecipientEmail string `db:"recipient_email"`
}
