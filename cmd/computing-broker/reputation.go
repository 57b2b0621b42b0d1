package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/urfave/cli/v2"
)

var reputationCmd = &cli.Command{
	Name:  "reputation",
	Usage: "Inspect and correct reputation",
	Subcommands: []*cli.Command{
		reputationHistory,
		reputationReverse,
	},
}

var reputationHistory = &cli.Command{
	Name:      "history",
	Usage:     "List the reputation events of a provider or client",
	ArgsUsage: "<subject id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("must specify the provider or client id")
		}
		c, err := newApiClient(cctx)
		if err != nil {
			return err
		}
		var events []*models.ReputationEvent
		if err := c.do(reqContext(cctx), "GET", "/reputation/"+cctx.Args().First()+"/events", nil, &events); err != nil {
			return err
		}

		header := []string{"EVENT ID", "TYPE", "JOB ID", "STATUS", "BEFORE", "DELTA", "AFTER", "REVERSIBLE", "CREATED"}
		var data [][]string
		var rowColorList []RowColor
		for i, ev := range events {
			data = append(data, []string{
				ev.ID,
				string(ev.EventType),
				ev.JobID,
				string(ev.Status),
				strconv.Itoa(ev.ScoreBefore),
				fmt.Sprintf("%+d", ev.ScoreDelta),
				strconv.Itoa(ev.ScoreAfter),
				strconv.FormatBool(ev.IsReversible),
				ev.CreatedAt.Format("2006-01-02 15:04:05"),
			})
			if rc, ok := statusColor(i, 3, string(ev.Status)); ok {
				rowColorList = append(rowColorList, rc)
			}
		}
		NewVisualTable(header, data, rowColorList).Generate()
		return nil
	},
}

var reputationReverse = &cli.Command{
	Name:      "reverse",
	Usage:     "Reverse a processed reputation event with a compensating one",
	ArgsUsage: "<event id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "reason", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("must specify the event id")
		}
		c, err := newApiClient(cctx)
		if err != nil {
			return err
		}
		var rev models.ReputationEvent
		body := map[string]string{"reason": cctx.String("reason")}
		if err := c.do(reqContext(cctx), "POST", "/reputation/events/"+cctx.Args().First()+"/reverse", body, &rev); err != nil {
			return err
		}
		color.Green("reversed by %s, %s score %d -> %d", rev.ID, rev.SubjectID, rev.ScoreBefore, rev.ScoreAfter)
		return nil
	},
}
