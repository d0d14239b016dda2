package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanSubject(t *testing.T) {
	cases := map[string]string{
		"Quick question":         "quick question",
		"Re: Quick question":     "quick question",
		"RE: FWD: Quick question": "quick question",
		"Fw: re: Quick question": "quick question",
		"  Re:   spaced  ":       "spaced",
		"":                       "",
	}
	for in, expect := range cases {
		assert.Equal(t, expect, CleanSubject(in), in)
	}
}

func TestSenderMatches(t *testing.T) {
	assert.True(t, SenderMatches("lead@example.com", "lead@example.com"))
	assert.True(t, SenderMatches("Lead@Example.COM", "lead@example.com"))
	assert.True(t, SenderMatches("colleague@example.com", "lead@example.com"), "same domain matches")
	assert.False(t, SenderMatches("lead@other.com", "lead@example.com"))
	assert.False(t, SenderMatches("", "lead@example.com"))
	assert.False(t, SenderMatches("not-an-address", "lead@example.com"))
}

func TestSubjectsMatch(t *testing.T) {
	assert.True(t, SubjectsMatch("Re: Quick question", "Quick question"))
	assert.True(t, SubjectsMatch("Quick question", "Re: Quick question"))
	assert.True(t, SubjectsMatch("Quick question about pricing", "Quick question"), "reply contains original")
	assert.True(t, SubjectsMatch("Quick", "Quick question"), "original contains reply")
	assert.False(t, SubjectsMatch("Invoice overdue", "Quick question"))
	assert.False(t, SubjectsMatch("", "Quick question"))
	assert.False(t, SubjectsMatch("Re: something", ""))
}

func TestLooseSubjectsMatch(t *testing.T) {
	assert.True(t, LooseSubjectsMatch("About your question", "Quick question"))
	assert.False(t, LooseSubjectsMatch("About the offer", "Quick question"))
	assert.False(t, LooseSubjectsMatch("re: a b c", "x y z"), "short words never count")
}
