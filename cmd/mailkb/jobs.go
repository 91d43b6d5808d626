package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/mailkb"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// jobView is the routing facing rendering of a job.
type jobView struct {
	ID              string        `json:"id"`
	SourceID        string        `json:"sourceId"`
	State           core.JobState `json:"state"`
	AttemptCount    int           `json:"attemptCount"`
	CancelRequested bool          `json:"cancelRequested,omitempty"`
	ErrorKind       core.Kind     `json:"errorKind,omitempty"`
	ErrorSummary    string        `json:"errorSummary,omitempty"`
	Stats           core.JobStats `json:"stats"`
	NextAttemptAt   *time.Time    `json:"nextAttemptAt,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func viewJob(job *core.Job) jobView {
	return jobView{
		ID:              job.ID,
		SourceID:        job.SourceID,
		State:           job.State,
		AttemptCount:    job.AttemptCount,
		CancelRequested: job.CancelRequested,
		ErrorKind:       job.ErrorKind,
		ErrorSummary:    job.ErrorSummary,
		Stats:           job.Stats,
		NextAttemptAt:   job.NextAttemptAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
		CreatedAt:       job.CreatedAt,
	}
}

func jobCommand() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "Trigger and inspect ingestion jobs",
		Subcommands: []*cli.Command{
			{
				Name:      "trigger",
				Usage:     "Queue an import of a validated source",
				ArgsUsage: "<source-id>",
				Action:    jobTrigger,
			},
			{
				Name:      "get",
				Usage:     "Show one job",
				ArgsUsage: "<job-id>",
				Action:    jobGet,
			},
			{
				Name:   "list",
				Usage:  "List jobs, newest first",
				Action: jobList,
				Flags: append(listFlags(),
					&cli.StringFlag{Name: "source", Usage: "Only jobs of this source"},
					&cli.StringFlag{Name: "state", Usage: "Only jobs in this state"},
				),
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a queued or running job",
				ArgsUsage: "<job-id>",
				Action:    jobCancel,
			},
		},
	}
}

func jobTrigger(c *cli.Context) error {
	id, err := requireArg(c, "source-id")
	if err != nil {
		return err
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		job, err := kb.TriggerJob(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, viewJob(job))
	})
}

func jobGet(c *cli.Context) error {
	id, err := requireArg(c, "job-id")
	if err != nil {
		return err
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		job, err := kb.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, viewJob(job))
	})
}

func jobList(c *cli.Context) error {
	filter := storage.JobFilter{
		SourceID:    c.String("source"),
		State:       core.JobState(c.String("state")),
		ListOptions: storage.ListOptions{Limit: c.Int("limit"), Offset: c.Int("offset")},
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		jobs, total, err := kb.ListJobs(ctx, filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tSTATE\tSEEN\tOK\tFAILED\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", j.ID, j.SourceID, j.State,
				j.Stats.MessagesSeen, j.Stats.MessagesOK, j.Stats.MessagesFailed, j.ErrorKind)
		}
		w.Flush()
		fmt.Fprintf(c.App.Writer, "%d of %d jobs\n", len(jobs), total)
		return nil
	})
}

func jobCancel(c *cli.Context) error {
	id, err := requireArg(c, "job-id")
	if err != nil {
		return err
	}
	return withKnowledgeBase(c, func(ctx context.Context, kb *mailkb.KnowledgeBase) error {
		job, err := kb.CancelJob(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, viewJob(job))
	})
}
