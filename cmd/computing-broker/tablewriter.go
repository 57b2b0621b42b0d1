package main

import (
	"os"

	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/olekukonko/tablewriter"
)

type VisualTable struct {
	Header   []string
	Data     [][]string
	RowColor []RowColor
}

type RowColor struct {
	row    int
	column []int
	color  []tablewriter.Colors
}

func NewVisualTable(header []string, data [][]string, rowColor []RowColor) *VisualTable {
	return &VisualTable{
		Header:   header,
		Data:     data,
		RowColor: rowColor,
	}
}

func (v *VisualTable) Generate() {
	table := tablewriter.NewWriter(os.Stdout)

	for index, datum := range v.Data {
		var rowColors []tablewriter.Colors
		for _, rowColor := range v.RowColor {
			if index == rowColor.row {
				for dIndex := range datum {
					var defaultFlag = true
					for n, colIndex := range rowColor.column {
						if dIndex == colIndex {
							rowColors = append(rowColors, rowColor.color[n])
							defaultFlag = false
						}
					}
					if defaultFlag {
						rowColors = append(rowColors, tablewriter.Colors{})
					}
				}
			}
		}
		table.Rich(v.Data[index], rowColors)
	}

	table.SetHeader(v.Header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.Render()
}

var statusColors = map[string]tablewriter.Colors{}

func init() {
	paint := func(c tablewriter.Colors, statuses ...string) {
		for _, s := range statuses {
			statusColors[s] = c
		}
	}
	paint(tablewriter.Colors{tablewriter.Bold, tablewriter.FgGreenColor},
		string(models.JobCompleted), string(models.TxCompleted), string(models.SettlementSettled), string(models.RepProcessed))
	paint(tablewriter.Colors{tablewriter.Bold, tablewriter.FgCyanColor},
		string(models.JobPosted), string(models.JobAccepted), string(models.JobRunning), string(models.TxPending), string(models.TxProcessing))
	paint(tablewriter.Colors{tablewriter.Bold, tablewriter.FgRedColor},
		string(models.JobFailed), string(models.TxFailed), string(models.SettlementFailed), string(models.RepFailed))
	paint(tablewriter.Colors{tablewriter.Bold, tablewriter.FgYellowColor},
		string(models.JobPaused), string(models.JobCancelled), string(models.TxCancelled), string(models.RepReversed))
}

// statusColor colors one column of a row by how healthy the status is.
func statusColor(row, column int, status string) (RowColor, bool) {
	c, ok := statusColors[status]
	if !ok {
		return RowColor{}, false
	}
	return RowColor{row: row, column: []int{column}, color: []tablewriter.Colors{c}}, true
}
