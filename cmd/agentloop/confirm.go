package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vinayprograms/agentloop/internal/executor"
	"github.com/vinayprograms/agentloop/internal/session"
)

// answer is the user's response to a confirmation.
type answer struct {
	Accept bool
	Cancel bool
	Edits  map[string]any
}

// readLines streams lines from r. The channel closes on EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// parseAnswer maps a typed reply to an action. ok is false for anything
// that is not a recognised answer.
func parseAnswer(line string) (action string, ok bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return "yes", true
	case "n", "no":
		return "no", true
	case "e", "edit":
		return "edit", true
	case "cancel":
		return "cancel", true
	}
	return "", false
}

// ask prompts until the user answers. Closed input declines.
func ask(w io.Writer, lines <-chan string, c session.Confirmation) answer {
	for {
		fmt.Fprint(w, renderConfirmation(c))
		line, open := <-lines
		if !open {
			fmt.Fprintln(w)
			return answer{}
		}
		action, ok := parseAnswer(line)
		switch {
		case !ok:
			fmt.Fprintln(w, errorStyle.Render("please answer y, n, e or cancel"))
		case action == "yes":
			return answer{Accept: true}
		case action == "no":
			return answer{}
		case action == "cancel":
			return answer{Cancel: true}
		case len(c.EditableFields) == 0:
			fmt.Fprintln(w, errorStyle.Render("nothing is editable here"))
		default:
			edits, open := askEdits(w, lines, c)
			if !open {
				return answer{}
			}
			return answer{Accept: true, Edits: edits}
		}
	}
}

// askEdits reads a new value per editable field. An empty line keeps the
// current value.
func askEdits(w io.Writer, lines <-chan string, c session.Confirmation) (map[string]any, bool) {
	fmt.Fprintln(w, dimStyle.Render("enter keeps a value; numbers and true/false are typed when the current value is"))
	edits := make(map[string]any)
	for _, field := range c.EditableFields {
		current := c.DisplayParams[field]
		fmt.Fprintf(w, "%s [%v]: ", field, current)
		line, open := <-lines
		if !open {
			return nil, false
		}
		if v := strings.TrimSpace(line); v != "" {
			edits[field] = typedEdit(current, v)
		}
	}
	return edits, true
}

// typedEdit converts a typed value to the kind of the value it replaces.
// Input that does not parse as that kind is kept as text.
func typedEdit(current any, typed string) any {
	switch current.(type) {
	case int, int64, float64:
		if n, err := strconv.Atoi(typed); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(typed, 64); err == nil {
			return f
		}
	case bool:
		if b, err := strconv.ParseBool(typed); err == nil {
			return b
		}
	case nil:
		if n, err := strconv.Atoi(typed); err == nil {
			return n
		}
	}
	return typed
}

// drive answers confirmations until the turn finishes or is cancelled.
func (rt *runtime) drive(ctx context.Context, w io.Writer, id string, out *executor.Outcome, lines <-chan string, yes bool) (*executor.Outcome, error) {
	for out.Paused && out.Confirmation != nil {
		fmt.Fprint(w, renderOutcome(out))

		ans := answer{Accept: true}
		if yes {
			fmt.Fprintln(w, dimStyle.Render("auto-accepting "+out.Confirmation.Operation))
		} else {
			ans = ask(w, lines, *out.Confirmation)
		}

		if ans.Cancel {
			cancelled, _ := rt.exec.Cancel(ctx, id)
			if cancelled == nil {
				return out, nil
			}
			return cancelled, nil
		}
		next, err := rt.exec.SubmitConfirmation(ctx, id, ans.Accept, ans.Edits)
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}
