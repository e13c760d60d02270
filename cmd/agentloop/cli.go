// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run one turn from a plan file"`
	Chat     ChatCmd     `cmd:"" help:"Multi-turn session reading plan paths from stdin"`
	Validate ValidateCmd `cmd:"" help:"Build a plan and print its execution order"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd executes a single turn.
type RunCmd struct {
	File    string `short:"f" default:"plan.yaml" help:"Plan file path"`
	Input   string `short:"i" help:"User request text (overrides the plan file's input)"`
	Route   string `help:"Operation whose result answers the request"`
	Config  string `help:"Config file path"`
	Session string `short:"s" help:"Session id to restore and save (requires [snapshot])"`
	Yes     bool   `short:"y" help:"Accept every confirmation without asking"`
}

// ChatCmd runs an interactive session.
type ChatCmd struct {
	Config  string `help:"Config file path (watched for risk policy changes)"`
	Session string `short:"s" help:"Session id to restore and save (requires [snapshot])"`
	Yes     bool   `short:"y" help:"Accept every confirmation without asking"`
}

// ValidateCmd validates a plan file.
type ValidateCmd struct {
	File   string `arg:"" optional:"" default:"plan.yaml" help:"Plan file path"`
	Config string `help:"Config file path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
