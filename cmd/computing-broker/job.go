package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/fatih/color"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/urfave/cli/v2"
)

var jobCmd = &cli.Command{
	Name:  "job",
	Usage: "Manage jobs",
	Subcommands: []*cli.Command{
		jobList,
		jobDetail,
		jobReconcile,
	},
}

var jobList = &cli.Command{
	Name:  "list",
	Usage: "List jobs",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status", Usage: "only jobs in this status"},
		&cli.StringFlag{Name: "client", Usage: "only jobs of this client"},
		&cli.StringFlag{Name: "provider", Usage: "only jobs of this provider"},
		&cli.BoolFlag{Name: "settlement-failed", Usage: "only jobs parked in settlement_failed"},
		&cli.IntFlag{Name: "limit", Value: 100},
	},
	Action: func(cctx *cli.Context) error {
		c, err := newApiClient(cctx)
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("status", cctx.String("status"))
		q.Set("client_id", cctx.String("client"))
		q.Set("provider_id", cctx.String("provider"))
		q.Set("limit", strconv.Itoa(cctx.Int("limit")))
		if cctx.Bool("settlement-failed") {
			q.Set("settlement_failed", "true")
		}

		var list []*models.Job
		if err := c.do(reqContext(cctx), "GET", "/jobs?"+q.Encode(), nil, &list); err != nil {
			return err
		}

		header := []string{"JOB ID", "TITLE", "STATUS", "CLIENT", "PROVIDER", "ESCROW", "PROGRESS", "SETTLEMENT", "UPDATED"}
		var data [][]string
		var rowColorList []RowColor
		for i, job := range list {
			settlement := string(job.Settlement.Status)
			if job.Disputed {
				settlement += " (disputed)"
			}
			data = append(data, []string{
				job.ID,
				job.Title,
				string(job.Status),
				job.ClientID,
				job.ProviderID,
				job.EscrowAmount.String(),
				strconv.Itoa(job.Progress) + "%",
				settlement,
				job.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
			if rc, ok := statusColor(i, 2, string(job.Status)); ok {
				rowColorList = append(rowColorList, rc)
			}
		}
		NewVisualTable(header, data, rowColorList).Generate()
		return nil
	},
}

var jobDetail = &cli.Command{
	Name:      "detail",
	Usage:     "Show a job",
	ArgsUsage: "<job id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("must specify the job id")
		}
		c, err := newApiClient(cctx)
		if err != nil {
			return err
		}
		var job models.Job
		if err := c.do(reqContext(cctx), "GET", "/jobs/"+cctx.Args().First(), nil, &job); err != nil {
			return err
		}

		rows := [][]string{
			{"Id", job.ID},
			{"Title", job.Title},
			{"Status", string(job.Status)},
			{"Pricing", string(job.Pricing)},
			{"Client", job.ClientID + " " + job.ClientWallet},
			{"Provider", job.ProviderID + " " + job.ProviderWallet},
			{"Escrow", job.EscrowAmount.String()},
			{"Escrow reference", job.EscrowReference},
			{"Progress", strconv.Itoa(job.Progress) + "%"},
			{"Settlement", string(job.Settlement.Status)},
			{"Settlement attempts", strconv.Itoa(job.Settlement.Attempts)},
		}
		if job.Settlement.Pending != nil {
			rows = append(rows, []string{"Pending action", string(job.Settlement.Pending.Action)})
		}
		if job.Settlement.LastError != "" {
			rows = append(rows, []string{"Last settlement error", job.Settlement.LastError})
		}
		if job.Dispute != nil {
			rows = append(rows, []string{"Dispute", fmt.Sprintf("%s by %s: %s", job.Dispute.Status, job.Dispute.RaisedBy, job.Dispute.Reason)})
			if job.Dispute.Outcome != "" {
				rows = append(rows, []string{"Dispute outcome", string(job.Dispute.Outcome)})
			}
		}
		if job.FailureReason != "" {
			rows = append(rows, []string{"Failure", fmt.Sprintf("%s (%s)", job.FailureReason, job.FailureFault)})
		}
		if job.CancelReason != "" {
			rows = append(rows, []string{"Cancel reason", job.CancelReason})
		}
		var rowColorList []RowColor
		if rc, ok := statusColor(2, 1, string(job.Status)); ok {
			rowColorList = append(rowColorList, rc)
		}
		if rc, ok := statusColor(9, 1, string(job.Settlement.Status)); ok {
			rowColorList = append(rowColorList, rc)
		}
		NewVisualTable([]string{"FIELD", "VALUE"}, rows, rowColorList).Generate()
		return nil
	},
}

var jobReconcile = &cli.Command{
	Name:      "reconcile",
	Usage:     "Replay the outstanding settlement of a job",
	ArgsUsage: "<job id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "async", Usage: "queue the replay on the celery worker"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("must specify the job id")
		}
		c, err := newApiClient(cctx)
		if err != nil {
			return err
		}
		id := cctx.Args().First()
		if cctx.Bool("async") {
			var queued map[string]string
			if err := c.do(reqContext(cctx), "POST", "/jobs/"+id+"/reconcile?async=true", nil, &queued); err != nil {
				return err
			}
			color.Cyan("reconcile of job %s queued, task: %s", id, queued["task_id"])
			return nil
		}

		var job models.Job
		if err := c.do(reqContext(cctx), "POST", "/jobs/"+id+"/reconcile", nil, &job); err != nil {
			return fmt.Errorf("job %s is still not settled: %w", id, err)
		}
		color.Green("job %s: %s, settlement %s", job.ID, job.Status, job.Settlement.Status)
		return nil
	},
}
