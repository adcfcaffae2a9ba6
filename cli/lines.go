package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/perfgo/covgrade/analysis"
)

var (
	notCoveredColor    = color.New(color.FgRed, color.Bold)
	partlyCoveredColor = color.New(color.FgYellow)
	fullyCoveredColor  = color.New(color.FgGreen)
)

func statusString(s analysis.LineStatus) string {
	switch s {
	case analysis.NotCovered:
		return notCoveredColor.Sprint(s)
	case analysis.PartlyCovered:
		return partlyCoveredColor.Sprint(s)
	case analysis.FullyCovered:
		return fullyCoveredColor.Sprint(s)
	}
	return s.String()
}

// printLines writes one table row per executable line of the class under
// test.
func printLines(w io.Writer, cc *analysis.ClassCoverage) error {
	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()

	table.Header([]string{"Line", "Status", "Hits", "Branches"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	var data [][]string
	for _, l := range cc.Lines {
		branches := "-"
		if l.Branches.Total > 0 {
			branches = fmt.Sprintf("%d/%d", l.Branches.Covered, l.Branches.Total)
		}
		data = append(data, []string{
			strconv.Itoa(l.Line),
			statusString(l.Status),
			strconv.FormatUint(uint64(l.Hits), 10),
			branches,
		})
	}
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("failed to add coverage rows: %w", err)
	}
	return table.Render()
}
