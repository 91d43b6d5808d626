package jobs

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poiesic/mailkb/core"
)

func TestSummarize(t *testing.T) {
	var log failureLog
	log.add(core.KindParseError, "line 3: bad delimiter")
	log.add(core.KindParseError, "line 9: no headers")

	got := summarize(core.JobStats{MessagesSeen: 11, MessagesOK: 9, MessagesFailed: 2}, &log, "")
	assert.Equal(t, "2 of 11 messages failed: parse_error: line 3: bad delimiter; parse_error: line 9: no headers", got)
}

func TestSummarize_LimitsCauses(t *testing.T) {
	var log failureLog
	for i := 0; i < 5; i++ {
		log.add(core.KindParseError, "broken")
	}
	got := summarize(core.JobStats{MessagesSeen: 5, MessagesFailed: 5}, &log, "")
	assert.Equal(t, MaxSummaryCauses, strings.Count(got, "parse_error"))
	assert.True(t, strings.HasSuffix(got, "; and 2 more"))
	assert.Equal(t, core.KindParseError, log.firstKind())
}

func TestSummarize_Truncates(t *testing.T) {
	var log failureLog
	for i := 0; i < 3; i++ {
		log.add(core.KindParseError, strings.Repeat("x", 1000))
	}
	got := summarize(core.JobStats{MessagesSeen: 3, MessagesFailed: 3}, &log, strings.Repeat("y", 5000))

	assert.LessOrEqual(t, len(got), core.MaxSummaryLength)
	// each cause is cut to the cause limit
	assert.NotContains(t, got, strings.Repeat("x", core.MaxCauseLength+1))
}

func TestSummarize_ExtraOnly(t *testing.T) {
	var log failureLog
	assert.Equal(t, "cancelled after 4 messages",
		summarize(core.JobStats{MessagesSeen: 4, MessagesOK: 4}, &log, "cancelled after 4 messages"))
	assert.Empty(t, summarize(core.JobStats{MessagesSeen: 4, MessagesOK: 4}, &log, ""))
}

func TestCauseText(t *testing.T) {
	assert.Equal(t, "bad delimiter", causeText(core.Errorf(core.KindParseError, "read mbox", "bad delimiter")))
	assert.Equal(t, "plain", causeText(errors.New("plain")))
}
