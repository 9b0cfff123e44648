package prompt

import (
	"fmt"
	"strings"

	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

const summaryInstruction = "Provide a concise, reader-friendly description of the following table. " +
	"For revenue figures, express the unit as 'million dollars'.\n\n"

// Summary asks for a short description of the first limit rows of table.
func Summary(table *warehouse.Table, limit int) string {
	return summaryInstruction + MarkdownTable(table, limit)
}

// MarkdownTable renders up to limit rows as a markdown table with a leading
// row index column.
func MarkdownTable(table *warehouse.Table, limit int) string {
	if table == nil || len(table.Columns) == 0 {
		return ""
	}
	var sb strings.Builder

	sb.WriteString("|    |")
	for _, col := range table.Columns {
		sb.WriteString(" " + escapeCell(col) + " |")
	}
	sb.WriteString("\n|---:|")
	for range table.Columns {
		sb.WriteString(":---|")
	}
	sb.WriteString("\n")

	for i, row := range table.Head(limit) {
		sb.WriteString(fmt.Sprintf("| %2d |", i))
		for _, v := range row {
			sb.WriteString(" " + escapeCell(warehouse.FormatValue(v)) + " |")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
