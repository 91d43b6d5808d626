package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/poiesic/mailkb/core"
)

// MaxSummaryCauses is how many distinct failure causes a job summary lists.
const MaxSummaryCauses = 3

// failure is one message-level cause kept for the job summary.
type failure struct {
	kind  core.Kind
	cause string
}

func (f failure) String() string {
	return fmt.Sprintf("%s: %s", f.kind, core.Truncate(f.cause, core.MaxCauseLength))
}

// failureLog keeps the first MaxSummaryCauses failures of a run.
type failureLog struct {
	items []failure
	total int
}

func (l *failureLog) add(kind core.Kind, cause string) {
	l.total++
	if len(l.items) < MaxSummaryCauses {
		l.items = append(l.items, failure{kind: kind, cause: cause})
	}
}

// firstKind is the kind of the earliest recorded failure.
func (l *failureLog) firstKind() core.Kind {
	if len(l.items) == 0 {
		return core.KindNone
	}
	return l.items[0].kind
}

// summarize renders "3 of 11 messages failed: parse_error: ...; ..." for the
// job summary. extra is appended after the message causes when set.
func summarize(stats core.JobStats, log *failureLog, extra string) string {
	var b strings.Builder
	if stats.MessagesFailed > 0 {
		fmt.Fprintf(&b, "%d of %d messages failed", stats.MessagesFailed, stats.MessagesSeen)
		if len(log.items) > 0 {
			b.WriteString(": ")
			causes := make([]string, len(log.items))
			for i, f := range log.items {
				causes[i] = f.String()
			}
			b.WriteString(strings.Join(causes, "; "))
			if more := log.total - len(log.items); more > 0 {
				fmt.Fprintf(&b, "; and %d more", more)
			}
		}
	}
	if extra != "" {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(core.Truncate(extra, core.MaxCauseLength))
	}
	return core.Truncate(b.String(), core.MaxSummaryLength)
}

// causeText is err without its kind prefix.
func causeText(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}
