package formatter

import (
	"strconv"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/harunnryd/rocker/internal/registry"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) FormatSandboxes(sandboxes []registry.Info) (string, error) {
	if len(sandboxes) == 0 {
		return "No sandboxes found", nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("PID", "Identity", "App", "UID", "Loop", "Data Dir", "Age")

	for _, sb := range sandboxes {
		t.Row(
			strconv.Itoa(sb.PID),
			sb.Identity,
			strconv.FormatUint(uint64(sb.AppID), 10),
			strconv.FormatUint(uint64(sb.UID), 10),
			loopName(sb.LoopID),
			truncateString(sb.DataDir, 32),
			age(sb.CreatedAt),
		)
	}

	return t.String(), nil
}

func (f *TableFormatter) FormatSandbox(sb *registry.Info) (string, error) {
	if sb == nil {
		return "No sandbox found", nil
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("PID", strconv.Itoa(sb.PID))
	t.Row("Identity", sb.Identity)
	t.Row("App", strconv.FormatUint(uint64(sb.AppID), 10))
	t.Row("UID", strconv.FormatUint(uint64(sb.UID), 10))
	if sb.LoopID >= 0 {
		t.Row("Loop", loopName(sb.LoopID))
	}
	if sb.ExecDir != "" {
		t.Row("Exec Dir", sb.ExecDir)
	}
	if sb.DataDir != "" {
		t.Row("Data Dir", sb.DataDir)
	}

	return t.String(), nil
}

func loopName(id int) string {
	if id < 0 {
		return "-"
	}
	return "loop" + strconv.Itoa(id)
}

func age(created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	return time.Since(created).Round(time.Second).String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}
