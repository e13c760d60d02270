package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/agentloop/internal/executor"
	"github.com/vinayprograms/agentloop/internal/planner"
	"github.com/vinayprograms/agentloop/internal/session"
)

// wrapWidth is the column replies and prompts are wrapped at.
const wrapWidth = 80

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - metadata

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White

	confirmStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11")) // Yellow

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	cancelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")) // Magenta
)

// statusStyle picks the color of a subtask status.
func statusStyle(s planner.Status) lipgloss.Style {
	switch s {
	case planner.StatusDone:
		return successStyle
	case planner.StatusFailed:
		return errorStyle
	case planner.StatusCancelled:
		return cancelStyle
	default:
		return dimStyle
	}
}

// renderOutcome formats a turn outcome: subtask statuses, then the reply.
func renderOutcome(out *executor.Outcome) string {
	var b strings.Builder
	for _, st := range out.Subtasks {
		line := fmt.Sprintf("  [%d] %-10s %s", st.ID, st.Status, st.Operation)
		if st.Error != "" {
			line += ": " + st.Error
		}
		b.WriteString(statusStyle(st.Status).Render(line))
		b.WriteString("\n")
	}
	if out.Dropped > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d subtasks dropped)", out.Dropped)))
		b.WriteString("\n")
	}
	if out.Paused {
		return b.String()
	}
	b.WriteString("\n")
	b.WriteString(replyStyle.Render(wordwrap.String(out.Reply.Text, wrapWidth)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("(%s)", out.Reply.Source)))
	b.WriteString("\n")
	return b.String()
}

// renderConfirmation formats a confirmation prompt and the answer keys.
func renderConfirmation(c session.Confirmation) string {
	var b strings.Builder
	b.WriteString(confirmStyle.Render(fmt.Sprintf("Confirm %s (%s)", c.Operation, c.Action)))
	b.WriteString("\n")
	b.WriteString(wordwrap.String(c.Prompt, wrapWidth))
	b.WriteString("\n")
	keys := "[y]es / [n]o"
	if len(c.EditableFields) > 0 {
		keys += " / [e]dit"
	}
	b.WriteString(dimStyle.Render(keys + " > "))
	return b.String()
}

// renderOrder formats a validated plan.
func renderOrder(p *planner.Plan) string {
	var b strings.Builder
	for i, id := range p.Order() {
		st, _ := p.Get(id)
		deps := ""
		if len(st.DependsOn) > 0 {
			deps = dimStyle.Render(fmt.Sprintf(" after %v", st.DependsOn))
		}
		fmt.Fprintf(&b, "%d. [%d] %s%s\n", i+1, st.ID, st.Operation, deps)
		if st.Goal != "" {
			b.WriteString(dimStyle.Render("   " + st.Goal))
			b.WriteString("\n")
		}
	}
	if p.Dropped() > 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d subtasks dropped", p.Dropped())))
		b.WriteString("\n")
	}
	if p.Cyclic() {
		b.WriteString(errorStyle.Render("dependency cycle: using declaration order"))
		b.WriteString("\n")
	}
	return b.String()
}
