package reconcile

import (
	"strings"

	"github.com/beakon/outreach/tools"
)

var replyPrefixes = []string{"re:", "fwd:", "fw:"}

// CleanSubject lowercases a subject and strips any stack of reply and
// forward prefixes, so "RE: Fwd: Quick question" compares as
// "quick question".
func CleanSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := false
		for _, prefix := range replyPrefixes {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// HasReplyMarker reports whether the subject carries an explicit reply or
// forward prefix.
func HasReplyMarker(subject string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	for _, prefix := range replyPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// SenderMatches accepts the exact recipient address or any address on the
// same domain, both case-insensitive. The domain fallback covers replies
// sent from an alias or a colleague's box.
func SenderMatches(sender, recipient string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	if sender == "" || recipient == "" {
		return false
	}
	if sender == recipient {
		return true
	}
	senderDomain, err := tools.DomainOfEmail(sender)
	if err != nil {
		return false
	}
	recipientDomain, err := tools.DomainOfEmail(recipient)
	if err != nil {
		return false
	}
	return senderDomain == recipientDomain
}

// SubjectsMatch compares a reply subject against a sent subject. After
// cleaning, either containing the other is a match, as is a reply-marked
// subject containing the cleaned original.
func SubjectsMatch(replySubject, sentSubject string) bool {
	reply := CleanSubject(replySubject)
	sent := CleanSubject(sentSubject)
	if reply == "" || sent == "" {
		return false
	}
	if strings.Contains(reply, sent) || strings.Contains(sent, reply) {
		return true
	}
	return HasReplyMarker(replySubject) && strings.Contains(reply, sent)
}

// LooseSubjectsMatch is the weaker rule for providers whose webmail rewrites
// reply subjects: any shared word longer than three characters counts. It is
// only consulted when the sender address is an exact match.
func LooseSubjectsMatch(replySubject, sentSubject string) bool {
	sentWords := map[string]bool{}
	for _, w := range strings.Fields(CleanSubject(sentSubject)) {
		if len(w) > 3 {
			sentWords[w] = true
		}
	}
	for _, w := range strings.Fields(CleanSubject(replySubject)) {
		if sentWords[w] {
			return true
		}
	}
	return false
}
