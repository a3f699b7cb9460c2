// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package cli implements the administrative command surface. Commands
// are line based; the daemon serves them over a local socket.
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/dpi"
	"github.com/emflex/upf/internal/errors"
	"github.com/emflex/upf/internal/flowtable"
)

// Env carries everything commands operate on.
type Env struct {
	Apps     *adf.Registry
	FlowMain *flowtable.Main

	// FlowDump writes the live flow listing; installed by the daemon
	// which owns the workers.
	FlowDump func(io.Writer)

	scratch *dpi.Scratch
}

// NewEnv creates a command environment.
func NewEnv(apps *adf.Registry, flowMain *flowtable.Main) *Env {
	return &Env{
		Apps:     apps,
		FlowMain: flowMain,
		scratch:  dpi.NewScratch(),
	}
}

// Execute parses and runs one command line.
func (e *Env) Execute(ctx context.Context, line string, out io.Writer) error {
	tok := strings.Fields(line)
	if len(tok) == 0 {
		return nil
	}

	switch {
	case matches(tok, "create", "upf", "application") && len(tok) == 4:
		_, err := e.Apps.AppAdd(tok[3])
		return err

	case matches(tok, "delete", "upf", "application") && len(tok) == 4:
		return e.Apps.AppRemove(ctx, tok[3])

	case matches(tok, "upf", "application") && len(tok) >= 5 && tok[3] == "rule":
		return e.ruleCommand(ctx, tok)

	case matches(tok, "show", "upf", "application") && len(tok) == 4:
		return e.showApp(out, tok[3])

	case matches(tok, "show", "upf", "applications"):
		verbose := len(tok) == 4 && tok[3] == "verbose"
		e.Apps.Each(func(a *adf.Application) {
			fmt.Fprintf(out, "app: %s\n", a.Name)
			if verbose {
				writeRules(out, a)
			}
		})
		return nil

	case matches(tok, "upf", "adf", "test", "db") && len(tok) == 7 && tok[5] == "url":
		return e.adfTest(out, tok[4], tok[6])

	case matches(tok, "upf", "flow", "timeout", "default") && len(tok) == 5:
		secs, err := strconv.ParseUint(tok[4], 10, 16)
		if err != nil {
			return errors.Errorf(errors.KindInvalidArgument, "bad timeout %q", tok[4])
		}
		return e.FlowMain.SetDefaultLifetime(uint32(secs))

	case matches(tok, "show", "upf", "flow", "timeout", "default"):
		fmt.Fprintf(out, "%d\n", e.FlowMain.DefaultLifetime())
		return nil

	case matches(tok, "show", "upf", "flows"):
		if e.FlowDump != nil {
			e.FlowDump(out)
		}
		return nil

	default:
		return errors.Errorf(errors.KindInvalidArgument, "unknown command %q", line)
	}
}

func matches(tok []string, prefix ...string) bool {
	if len(tok) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if tok[i] != p {
			return false
		}
	}
	return true
}

// ruleCommand handles:
//
//	upf application <name> rule <id> add ip src <ip>
//	upf application <name> rule <id> add ip dst <ip>
//	upf application <name> rule <id> add l7 http host <regex> path <regex>
//	upf application <name> rule <id> del
func (e *Env) ruleCommand(ctx context.Context, tok []string) error {
	name := tok[2]
	id64, err := strconv.ParseUint(tok[4], 10, 32)
	if err != nil {
		return errors.Errorf(errors.KindInvalidArgument, "bad rule id %q", tok[4])
	}
	id := uint32(id64)

	if len(tok) < 6 {
		return errors.New(errors.KindInvalidArgument, "rule command truncated")
	}

	switch tok[5] {
	case "del":
		return e.Apps.RuleRemove(ctx, name, id)

	case "add":
		rest := tok[6:]
		rule := adf.Rule{ID: id}
		switch {
		case matches(rest, "ip", "src") && len(rest) == 3:
			rule.SrcIP = rest[2]
		case matches(rest, "ip", "dst") && len(rest) == 3:
			rule.DstIP = rest[2]
		case matches(rest, "l7", "http", "host") && len(rest) == 6 && rest[4] == "path":
			rule.Host = rest[3]
			rule.Path = rest[5]
		default:
			return errors.Errorf(errors.KindInvalidArgument, "bad rule form %q", strings.Join(rest, " "))
		}
		return e.Apps.RuleAdd(ctx, name, rule)

	default:
		return errors.Errorf(errors.KindInvalidArgument, "expected add or del, got %q", tok[5])
	}
}

func (e *Env) showApp(out io.Writer, name string) error {
	app, ok := e.Apps.AppByName(name)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "unknown application name %q", name)
	}
	writeRules(out, app)
	return nil
}

func writeRules(out io.Writer, app *adf.Application) {
	for _, r := range app.Rules() {
		fmt.Fprintf(out, "rule: %d\n", r.ID)
		if r.Host != "" {
			fmt.Fprintf(out, "host: %s\n", r.Host)
		}
		if r.Path != "" {
			fmt.Fprintf(out, "path: %s\n", r.Path)
		}
		if r.SrcIP != "" {
			fmt.Fprintf(out, "ip src: %s\n", r.SrcIP)
		}
		if r.DstIP != "" {
			fmt.Fprintf(out, "ip dst: %s\n", r.DstIP)
		}
	}
}

// adfTest scans url bytes against an application's path database.
func (e *Env) adfTest(out io.Writer, idTok, url string) error {
	id64, err := strconv.ParseUint(idTok, 10, 32)
	if err != nil {
		return errors.Errorf(errors.KindInvalidArgument, "bad db id %q", idTok)
	}

	appIdx, ok := e.Apps.TestScan(uint32(id64), false, []byte(url), e.scratch)
	if !ok {
		fmt.Fprintln(out, "No match found")
		return nil
	}
	if app, ok := e.Apps.App(appIdx); ok {
		fmt.Fprintf(out, "Matched app: %s\n", app.Name)
	}
	return nil
}
