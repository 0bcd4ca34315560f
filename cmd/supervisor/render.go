package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/health"
	"github.com/aristath/supervisor/internal/scheduler"
)

var (
	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Bold(true)

	styleDim = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Status styles
var (
	styleRunning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")).
			Bold(true)

	styleComplete = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)

	stylePending = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func statusStyle(s scheduler.TaskStatus) lipgloss.Style {
	switch s {
	case scheduler.TaskCompleted:
		return styleComplete
	case scheduler.TaskFailed, scheduler.TaskCancelled:
		return styleFailed
	case scheduler.TaskInProgress:
		return styleRunning
	}
	return stylePending
}

func healthStyle(s health.State) lipgloss.Style {
	switch s {
	case health.StateHealthy:
		return styleComplete
	case health.StateDegraded, health.StateRecovering:
		return styleRunning
	}
	return styleFailed
}

// table lays out rows in left-aligned columns sized to their widest cell.
// Cells may carry ANSI styling.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = lipgloss.NewStyle().Width(widths[i]).Render(cell)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	var b strings.Builder
	styled := make([]string, len(header))
	for i, h := range header {
		styled[i] = styleHeader.Render(h)
	}
	b.WriteString(line(styled))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(line(row))
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// renderTasks summarises a run. attempts counts executions per task.
func renderTasks(tasks []*scheduler.Task, attempts map[string]int) string {
	counts := make(map[scheduler.TaskStatus]int)
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		counts[t.Status]++
		worker := t.AssignedWorker
		if worker == "" {
			worker = styleDim.Render("-")
		}
		rows = append(rows, []string{
			t.ID,
			statusStyle(t.Status).Render(string(t.Status)),
			worker,
			fmt.Sprint(attempts[t.ID]),
			truncate(t.Error, 60),
		})
	}

	title := styleTitle.Render(fmt.Sprintf("Tasks  %d completed, %d failed, %d pending",
		counts[scheduler.TaskCompleted],
		counts[scheduler.TaskFailed]+counts[scheduler.TaskCancelled],
		counts[scheduler.TaskPending]+counts[scheduler.TaskInProgress]))
	body := table([]string{"TASK", "STATUS", "WORKER", "RUNS", "ERROR"}, rows)
	return styleBox.Render(title + "\n\n" + body)
}

// renderHealth summarises pool health and each worker's record.
func renderHealth(status health.SystemHealthStatus, workers []health.AgentHealthMetrics) string {
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })

	rows := make([][]string, 0, len(workers))
	for _, m := range workers {
		rows = append(rows, []string{
			m.WorkerID,
			healthStyle(m.State).Render(string(m.State)),
			fmt.Sprint(m.TasksSucceeded),
			fmt.Sprint(m.TasksFailed),
			fmt.Sprintf("%.0f%%", m.TaskSuccessRate*100),
			fmt.Sprint(m.RecoveryAttempts),
		})
	}

	title := styleTitle.Render(fmt.Sprintf("Health  %.0f%% (%d/%d workers healthy)",
		status.HealthPercentage, status.HealthyWorkers, status.TotalWorkers))
	body := table([]string{"WORKER", "STATE", "OK", "FAILED", "SUCCESS", "RECOVERIES"}, rows)

	var notes []string
	for _, issue := range status.CriticalIssues {
		notes = append(notes, styleFailed.Render("! ")+issue)
	}
	for _, w := range status.Warnings {
		notes = append(notes, styleRunning.Render("~ ")+w)
	}
	if len(notes) > 0 {
		body += "\n\n" + strings.Join(notes, "\n")
	}
	return styleBox.Render(title + "\n\n" + body)
}

// renderStats summarises recovery log statistics.
func renderStats(st errlog.Statistics) string {
	title := styleTitle.Render(fmt.Sprintf("Recovery log  %d entries, %.0f%% recovered",
		st.Total, st.SuccessRate*100))
	if st.Total == 0 {
		return styleBox.Render(title)
	}

	sections := []string{
		title,
		countTable("KIND", kindCounts(st)),
		countTable("ACTION", st.ByAction),
		countTable("WORKER", st.ByWorker),
	}

	if len(st.TopMessages) > 0 {
		rows := make([][]string, 0, len(st.TopMessages))
		for _, m := range st.TopMessages {
			rows = append(rows, []string{fmt.Sprint(m.Count), truncate(m.Message, 70)})
		}
		sections = append(sections, table([]string{"COUNT", "MESSAGE"}, rows))
	}

	if len(st.Hourly) > 0 {
		rows := make([][]string, 0, len(st.Hourly))
		for _, h := range st.Hourly {
			rows = append(rows, []string{h.Hour.Local().Format(time.DateTime), fmt.Sprint(h.Count)})
		}
		sections = append(sections, table([]string{"HOUR", "ENTRIES"}, rows))
	}
	return styleBox.Render(strings.Join(sections, "\n\n"))
}

func kindCounts(st errlog.Statistics) map[string]int {
	out := make(map[string]int, len(st.ByKind))
	for k, n := range st.ByKind {
		out[string(k)] = n
	}
	return out
}

// countTable renders counts sorted by descending count, then key.
func countTable(label string, counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		name := k
		if name == "" {
			name = styleDim.Render("(none)")
		}
		rows = append(rows, []string{name, fmt.Sprint(counts[k])})
	}
	return table([]string{label, "COUNT"}, rows)
}

// formatEvent renders one bus event as a single plain line.
func formatEvent(ev events.Event) string {
	var b strings.Builder
	b.WriteString("event=" + ev.EventType())
	if id := ev.WorkerID(); id != "" {
		b.WriteString(" worker=" + id)
	}
	if id := ev.TaskID(); id != "" {
		b.WriteString(" task=" + id)
	}
	return b.String()
}
