// Package scheduler turns batch requests into persisted pending messages
// with send instants, either evenly spaced or shaped by a human-like
// pattern. It also plans follow-ups for sent mail that never got a reply.
package scheduler

import (
	"fmt"
	"time"

	"github.com/beakon/outreach"
	"github.com/beakon/outreach/internal/dao"
	"github.com/beakon/outreach/internal/pattern"
	"github.com/beakon/outreach/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	BusinessHours pattern.BusinessHours

	// FollowUpAfter is how long a sent message may sit unanswered before the
	// sweep plans a follow-up. FollowUpDelay is how far into the future the
	// follow-up is scheduled.
	FollowUpAfter time.Duration
	FollowUpDelay time.Duration
}

type Scheduler struct {
	db    dao.DAO
	cfg   Config
	clock tools.Clock
	log   *logrus.Logger
}

func New(db dao.DAO, cfg Config, clock tools.Clock, log *logrus.Logger) *Scheduler {
	if clock == nil {
		clock = tools.SystemClock()
	}
	if cfg.FollowUpAfter <= 0 {
		cfg.FollowUpAfter = 7 * 24 * time.Hour
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = 24 * time.Hour
	}
	if cfg.BusinessHours.EndHour <= cfg.BusinessHours.StartHour {
		cfg.BusinessHours = pattern.DefaultBusinessHours
	}
	return &Scheduler{db: db, cfg: cfg, clock: clock, log: log}
}

// BatchRequest describes one scheduling run: which recipients get which
// template from which account, and how the send instants are laid out.
type BatchRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
	TemplateID   string   `json:"template_id"`
	AccountID    string   `json:"account_id"`
	CampaignID   *string  `json:"campaign_id"`

	StartDelay time.Duration `json:"start_delay"`
	Interval   time.Duration `json:"interval"`

	HumanLike bool   `json:"human_like"`
	Pattern   string `json:"pattern"`
}

type BatchResult struct {
	Scheduled  int      `json:"scheduled"`
	Duplicates int      `json:"duplicates"`
	MessageIDs []string `json:"message_ids"`
	FirstAt    *string  `json:"first_at,omitempty"`
	LastAt     *string  `json:"last_at,omitempty"`
}

// ScheduleBatch validates the request, skips recipients that already have a
// pending message in the same campaign (or template, when no campaign is
// given), generates the send instants and persists the whole batch in one
// transaction.
func (s *Scheduler) ScheduleBatch(req BatchRequest) (*BatchResult, error) {

	if len(req.RecipientIDs) == 0 {
		return nil, &outreach.ValidationError{Reason: "no recipients in batch"}
	}

	account, err := s.db.GetAccount(req.AccountID)
	if err != nil {
		return nil, &outreach.ValidationError{Reason: fmt.Sprintf("account %s: %v", req.AccountID, err)}
	}
	if !account.Active {
		return nil, &outreach.ValidationError{Reason: fmt.Sprintf("account %s is inactive", req.AccountID)}
	}

	tpl, err := s.db.GetTemplate(req.TemplateID)
	if err != nil {
		return nil, &outreach.ValidationError{Reason: fmt.Sprintf("template %s: %v", req.TemplateID, err)}
	}

	var recipients []dao.Recipient
	result := &BatchResult{}
	for _, id := range req.RecipientIDs {
		r, err := s.db.GetRecipient(id)
		if err != nil {
			return nil, &outreach.ValidationError{Reason: fmt.Sprintf("recipient %s: %v", id, err)}
		}
		if !tools.ValidEmail(r.Email) {
			return nil, &outreach.ValidationError{Reason: fmt.Sprintf("recipient %s has malformed address %s", id, r.Email)}
		}

		dup, err := s.db.HasPendingMessage(r.ID, req.CampaignID, &req.TemplateID)
		if err != nil {
			return nil, err
		}
		if dup {
			s.log.WithField("recipient", r.Email).
				Info("skipping duplicate recipient")
			result.Duplicates++
			continue
		}
		recipients = append(recipients, *r)
	}

	if len(recipients) == 0 {
		return result, nil
	}

	instants := s.sendInstants(len(recipients), req, account.DailyLimit)

	msgs := make([]dao.Message, 0, len(recipients))
	for i, r := range recipients {
		at := instants[i]
		msgs = append(msgs, dao.Message{
			AccountID:   account.ID,
			RecipientID: r.ID,
			TemplateID:  &tpl.ID,
			CampaignID:  req.CampaignID,
			Subject:     render(tpl.Subject, tokenValues(r.DerivedFirstName(), r.Email)),
			Body:        render(tpl.Body, tokenValues(r.DerivedFirstName(), r.Email)),
			Status:      outreach.StatusPending,
			ScheduledAt: &at,
		})
	}

	err = s.db.InsertMessages(msgs)
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		result.MessageIDs = append(result.MessageIDs, m.ID)
	}
	result.Scheduled = len(msgs)
	first := instants[0].Format(time.RFC3339)
	last := instants[len(instants)-1].Format(time.RFC3339)
	result.FirstAt, result.LastAt = &first, &last

	s.log.WithField("scheduled", result.Scheduled).
		WithField("duplicates", result.Duplicates).
		Info("batch scheduled")
	return result, nil
}

func (s *Scheduler) sendInstants(count int, req BatchRequest, dailyLimit int) []time.Time {
	start := s.clock.Now().Add(req.StartDelay)

	if req.HumanLike {
		return pattern.GenerateSchedule(count, start,
			pattern.ByName(req.Pattern), s.cfg.BusinessHours, true, dailyLimit, time.Minute)
	}

	interval := req.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	out := make([]time.Time, count)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * interval)
	}
	return out
}

// RescheduleCampaign re-times every pending message of a campaign from a new
// start, keeping messages that are already sent or paused untouched.
func (s *Scheduler) RescheduleCampaign(campaignID string, startDelay time.Duration, humanLike bool, patternName string) (int, error) {

	campaign, err := s.db.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}

	msgs, err := s.db.PendingByCampaign(campaign.ID)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	account, err := s.db.GetAccount(msgs[0].AccountID)
	if err != nil {
		return 0, err
	}

	instants := s.sendInstants(len(msgs), BatchRequest{
		StartDelay: startDelay,
		HumanLike:  humanLike,
		Pattern:    patternName,
		Interval:   time.Minute,
	}, account.DailyLimit)

	for i, m := range msgs {
		err = s.db.ReschedulePending(m.ID, instants[i])
		if err != nil {
			return i, err
		}
	}

	s.log.WithField("campaign", campaign.ID).
		WithField("rescheduled", len(msgs)).
		Info("campaign rescheduled")
	return len(msgs), nil
}

// Reschedule moves a single pending message to a new instant.
func (s *Scheduler) Reschedule(messageID string, at time.Time) error {
	return s.db.ReschedulePending(messageID, at)
}

// ScheduleFollowUps sweeps sent messages that have sat unanswered past the
// follow-up window and plans one "Re:" follow-up each. A message gets at
// most one follow-up ever, and follow-ups are never followed up themselves.
func (s *Scheduler) ScheduleFollowUps() (int, error) {

	now := s.clock.Now()
	parents, err := s.db.MessagesNeedingFollowUp(now.Add(-s.cfg.FollowUpAfter))
	if err != nil {
		return 0, err
	}

	var planned int
	for _, parent := range parents {
		has, err := s.db.HasPendingFollowUp(parent.ID)
		if err != nil {
			return planned, err
		}
		if has {
			continue
		}

		parentID := parent.ID
		at := now.Add(s.cfg.FollowUpDelay)
		err = s.db.InsertMessages([]dao.Message{{
			AccountID:   parent.AccountID,
			RecipientID: parent.RecipientID,
			TemplateID:  parent.TemplateID,
			CampaignID:  parent.CampaignID,
			Subject:     "Re: " + parent.Subject,
			Body:        parent.Body,
			Status:      outreach.StatusPending,
			ScheduledAt: &at,
			IsFollowUp:  true,
			ParentID:    &parentID,
		}})
		if err != nil {
			return planned, err
		}
		planned++
	}

	if planned > 0 {
		s.log.WithField("planned", planned).
			Info("follow-ups scheduled")
	}
	return planned, nil
}
