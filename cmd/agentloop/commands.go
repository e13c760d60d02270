package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/vinayprograms/agentloop/internal/config"
	"github.com/vinayprograms/agentloop/internal/executor"
	"github.com/vinayprograms/agentloop/internal/planner"
	"github.com/vinayprograms/agentloop/internal/risk"
	"github.com/vinayprograms/agentloop/internal/tools"
)

// Run executes one turn and answers its confirmations on stdin.
func (c *RunCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, cfgPath, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	turn, err := loadTurn(c.File)
	if err != nil {
		return err
	}
	if c.Input != "" {
		turn.UserInput = c.Input
	}
	if c.Route != "" {
		turn.Route = c.Route
	}

	rt, err := newRuntime(ctx, cfg, cfgPath, globalCreds)
	if err != nil {
		return err
	}
	defer rt.close()

	id, err := rt.openSession(ctx, c.Session)
	if err != nil {
		return err
	}
	out, err := rt.exec.HandleTurn(ctx, id, turn)
	if err != nil {
		return err
	}
	out, err = rt.drive(ctx, os.Stdout, id, out, readLines(os.Stdin), c.Yes)
	if err != nil {
		return err
	}
	rt.saveSession(ctx, id)
	fmt.Print(renderOutcome(out))
	return nil
}

// Run starts an interactive session. Each input line is a plan path or a
// session command.
func (c *ChatCmd) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, cfgPath, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, cfgPath, globalCreds)
	if err != nil {
		return err
	}
	defer rt.close()

	id, err := rt.openSession(ctx, c.Session)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		go rt.watchConfig(ctx)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	s := &chatSession{rt: rt, id: id, w: os.Stdout, lines: readLines(os.Stdin), sigs: sigs, yes: c.Yes}
	fmt.Println(dimStyle.Render("session " + id))
	fmt.Println(dimStyle.Render("enter a plan path, or: cancel, rollback <checkpoint>, stats, exit"))
	return s.loop(ctx)
}

// chatSession is the state of an interactive session.
type chatSession struct {
	rt    *runtime
	id    string
	w     io.Writer
	lines <-chan string
	sigs  <-chan os.Signal
	yes   bool
}

func (s *chatSession) loop(ctx context.Context) error {
	for {
		fmt.Fprint(s.w, "> ")
		var line string
		select {
		case l, open := <-s.lines:
			if !open {
				fmt.Fprintln(s.w)
				return nil
			}
			line = strings.TrimSpace(l)
		case <-s.sigs:
			fmt.Fprintln(s.w)
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "cancel":
			s.cancel(ctx)
		case "stats":
			fmt.Fprintf(s.w, "%+v\n", s.rt.exec.State(s.id).Stats())
		case "rollback":
			if len(fields) != 2 {
				fmt.Fprintln(s.w, errorStyle.Render("usage: rollback <checkpoint>"))
				continue
			}
			s.rollback(ctx, fields[1])
		default:
			if err := s.turn(ctx, line); err != nil {
				fmt.Fprintln(s.w, errorStyle.Render(err.Error()))
			}
		}
	}
}

// turn runs one plan file. While it runs, "cancel" or an interrupt stops it.
func (s *chatSession) turn(ctx context.Context, path string) error {
	turn, err := loadTurn(path)
	if err != nil {
		return err
	}

	type result struct {
		out *executor.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.rt.exec.HandleTurn(ctx, s.id, turn)
		done <- result{out, err}
	}()

	lines := s.lines
	var res result
	for waiting := true; waiting; {
		select {
		case res = <-done:
			waiting = false
		case l, open := <-lines:
			if !open {
				lines = nil
				continue
			}
			if strings.TrimSpace(l) == "cancel" {
				s.cancel(ctx)
			} else {
				fmt.Fprintln(s.w, dimStyle.Render("turn in progress; type cancel to stop it"))
			}
		case <-s.sigs:
			s.cancel(ctx)
		}
	}
	if res.err != nil {
		return res.err
	}

	out, err := s.rt.drive(ctx, s.w, s.id, res.out, s.lines, s.yes)
	if err != nil {
		return err
	}
	s.rt.saveSession(ctx, s.id)
	fmt.Fprint(s.w, renderOutcome(out))
	return nil
}

func (s *chatSession) cancel(ctx context.Context) {
	out, active := s.rt.exec.Cancel(ctx, s.id)
	switch {
	case !active:
		fmt.Fprintln(s.w, dimStyle.Render("nothing to cancel"))
	case out == nil:
		fmt.Fprintln(s.w, cancelStyle.Render("cancelling; running steps will finish"))
	default:
		s.rt.saveSession(ctx, s.id)
		fmt.Fprint(s.w, renderOutcome(out))
	}
}

func (s *chatSession) rollback(ctx context.Context, checkpointID string) {
	res := s.rt.exec.Rollback(ctx, s.id, checkpointID)
	if !res.Success {
		fmt.Fprintln(s.w, errorStyle.Render("rollback: "+res.Error))
		return
	}
	fmt.Fprintln(s.w, successStyle.Render(fmt.Sprintf("rollback: %v", res.Result)))
}

// watchConfig hot-reloads the risk policy when the config file changes.
func (rt *runtime) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, rt.cfgPath, func(c *config.Config) {
		if err := rt.gate.Update(risk.PolicyFromConfig(c.Risk)); err != nil {
			rt.logger.Warn("risk policy reload rejected", map[string]interface{}{"error": err.Error()})
			return
		}
		rt.logger.Info("risk policy reloaded", map[string]interface{}{"path": rt.cfgPath})
		rt.telem.LogEvent("policy_reloaded", map[string]interface{}{"path": rt.cfgPath})
	})
	if err != nil {
		rt.logger.Warn("config watch stopped", map[string]interface{}{"error": err.Error()})
	}
}

// Run builds the plan and prints the order it would execute in.
func (c *ValidateCmd) Run() error {
	cfg, _, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	turn, err := loadTurn(c.File)
	if err != nil {
		return err
	}
	plan := planner.Build(turn.Subtasks, validateOptions(cfg))
	fmt.Print(renderOrder(plan))
	if plan.Len() == 0 {
		return fmt.Errorf("%s: no valid subtasks", c.File)
	}
	return nil
}

// validateOptions mirrors the executor's plan options: without a configured
// allow-list only the built-in operations are valid.
func validateOptions(cfg *config.Config) planner.Options {
	ops := cfg.Planner.ValidOperations
	if len(ops) == 0 {
		ops = []string{tools.OpShell, tools.OpRollback}
	}
	return planner.Options{MaxSubtasks: cfg.Planner.MaxSubtasks, ValidOperations: ops}
}
