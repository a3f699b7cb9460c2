// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package cli

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/errors"
	"github.com/emflex/upf/internal/flowtable"
	"github.com/emflex/upf/internal/rcu"
)

func newEnv() *Env {
	apps := adf.NewRegistry(rcu.New(1))
	return NewEnv(apps, flowtable.NewMain(64, 8, 60))
}

func exec(t *testing.T, e *Env, line string) string {
	t.Helper()
	var out strings.Builder
	if err := e.Execute(context.Background(), line, &out); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return out.String()
}

func execErr(t *testing.T, e *Env, line string) error {
	t.Helper()
	var out strings.Builder
	err := e.Execute(context.Background(), line, &out)
	if err == nil {
		t.Fatalf("%q: expected error", line)
	}
	return err
}

func TestApplicationLifecycle(t *testing.T) {
	e := newEnv()

	exec(t, e, "create upf application web")
	err := execErr(t, e, "create upf application web")
	if errors.GetKind(err) != errors.KindAlreadyExists {
		t.Errorf("duplicate create: %v", err)
	}

	exec(t, e, `upf application web rule 1 add l7 http host ^example\.com$ path ^/a`)

	out := exec(t, e, "show upf application web")
	for _, want := range []string{"rule: 1", "host: ^example\\.com$", "path: ^/a"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out = exec(t, e, "show upf applications verbose")
	if !strings.Contains(out, "app: web") || !strings.Contains(out, "rule: 1") {
		t.Errorf("verbose listing incomplete:\n%s", out)
	}

	exec(t, e, "delete upf application web")
	err = execErr(t, e, "show upf application web")
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("show after delete: %v", err)
	}
}

func TestIPRuleFormsAccepted(t *testing.T) {
	e := newEnv()
	exec(t, e, "create upf application blocky")

	// ip rules are stored but compile no database, so the registry
	// reports the app as having no compilable rules.
	err := execErr(t, e, "upf application blocky rule 1 add ip src 10.0.0.1")
	if errors.GetKind(err) != errors.KindNotFound {
		t.Fatalf("expected KindNotFound for uncompilable rule set, got %v", err)
	}

	app, _ := e.Apps.AppByName("blocky")
	rules := app.Rules()
	if len(rules) != 1 || rules[0].SrcIP != "10.0.0.1" {
		t.Errorf("ip rule not stored: %+v", rules)
	}
}

func TestRuleDel(t *testing.T) {
	e := newEnv()
	exec(t, e, "create upf application web")
	exec(t, e, `upf application web rule 7 add l7 http host ^h$ path ^/p`)

	err := execErr(t, e, "upf application web rule 7 del")
	// Removing the only rule empties the databases; NotFound mirrors
	// the registry contract for empty apps.
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("rule del on last rule: %v", err)
	}

	err = execErr(t, e, "upf application web rule 7 del")
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("second rule del: %v", err)
	}
}

func TestAdfTest(t *testing.T) {
	e := newEnv()
	exec(t, e, "create upf application vid")
	exec(t, e, `upf application vid rule 1 add l7 http host ^cdn\.example$ path ^/video/`)

	app, _ := e.Apps.AppByName("vid")
	idTok := strconv.FormatUint(uint64(app.ID), 10)

	out := exec(t, e, "upf adf test db "+idTok+" url /video/clip.mp4")
	if !strings.Contains(out, "Matched app: vid") {
		t.Errorf("expected match output, got %q", out)
	}

	out = exec(t, e, "upf adf test db "+idTok+" url /nothing")
	if !strings.Contains(out, "No match found") {
		t.Errorf("expected miss output, got %q", out)
	}
}

func TestFlowTimeout(t *testing.T) {
	e := newEnv()

	exec(t, e, "upf flow timeout default 120")
	out := exec(t, e, "show upf flow timeout default")
	if strings.TrimSpace(out) != "120" {
		t.Errorf("timeout = %q, want 120", out)
	}

	err := execErr(t, e, "upf flow timeout default 0")
	if errors.GetKind(err) != errors.KindInvalidArgument {
		t.Errorf("zero timeout: %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	e := newEnv()
	err := execErr(t, e, "frobnicate the flux")
	if errors.GetKind(err) != errors.KindInvalidArgument {
		t.Errorf("unknown command: %v", err)
	}
}
