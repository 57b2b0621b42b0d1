package main

import (
	"net/url"
	"strconv"

	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/urfave/cli/v2"
)

var txCmd = &cli.Command{
	Name:  "tx",
	Usage: "Inspect the transaction ledger",
	Subcommands: []*cli.Command{
		txList,
	},
}

var txList = &cli.Command{
	Name:      "list",
	Usage:     "List transactions of a job, or across jobs with the filters",
	ArgsUsage: "[job id]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Usage: "deposit, release, refund, payment"},
		&cli.BoolFlag{Name: "flagged", Usage: "only transactions flagged for manual review"},
		&cli.BoolFlag{Name: "unsettled", Usage: "only pending or processing transactions"},
		&cli.IntFlag{Name: "limit", Value: 100},
	},
	Action: func(cctx *cli.Context) error {
		c, err := newApiClient(cctx)
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("type", cctx.String("type"))

		path := "/jobs/" + cctx.Args().First() + "/transactions?"
		if !cctx.Args().Present() {
			q.Set("flagged", strconv.FormatBool(cctx.Bool("flagged")))
			q.Set("unsettled", strconv.FormatBool(cctx.Bool("unsettled")))
			q.Set("limit", strconv.Itoa(cctx.Int("limit")))
			path = "/transactions?"
		}

		var txs []*models.Transaction
		if err := c.do(reqContext(cctx), "GET", path+q.Encode(), nil, &txs); err != nil {
			return err
		}

		header := []string{"TX ID", "JOB ID", "TYPE", "STATUS", "FROM", "TO", "GROSS", "FEES", "NET", "FLAG", "CREATED"}
		var data [][]string
		var rowColorList []RowColor
		for i, tx := range txs {
			data = append(data, []string{
				tx.ID,
				tx.JobID,
				string(tx.Type),
				string(tx.Status),
				tx.FromParty,
				tx.ToParty,
				tx.GrossAmount.String(),
				tx.Fees.Total.String(),
				tx.NetAmount.String(),
				tx.FlagReason,
				tx.CreatedAt.Format("2006-01-02 15:04:05"),
			})
			if rc, ok := statusColor(i, 3, string(tx.Status)); ok {
				rowColorList = append(rowColorList, rc)
			}
		}
		NewVisualTable(header, data, rowColorList).Generate()
		return nil
	},
}
