// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package adf implements the application detection function registry:
// named applications, their detection rules, and the compiled regex
// databases the data plane scans against. All mutation happens on the
// control thread; workers only ever see published *dpi.Handle values.
package adf

import (
	"context"
	"sort"
	"sync"

	"github.com/emflex/upf/internal/dpi"
	"github.com/emflex/upf/internal/errors"
	"github.com/emflex/upf/internal/rcu"
)

// NoApp marks the absence of an application binding.
const NoApp = ^uint32(0)

// Rule is one detection rule owned by an application. Host and Path
// are uncompiled regex source strings. SrcIP/DstIP forms are accepted
// by the administrative surface and stored; only Host/Path participate
// in database compilation.
type Rule struct {
	ID    uint32
	Host  string
	Path  string
	SrcIP string
	DstIP string
}

// Application is a named rule set with its two compiled databases.
type Application struct {
	ID   uint32
	Name string

	mu    sync.RWMutex
	rules map[uint32]Rule

	pathDB *dpi.Handle
	hostDB *dpi.Handle
}

// DBs returns the current compiled database handles. Either may be nil
// when no rule carries the corresponding pattern.
func (a *Application) DBs() (path, host *dpi.Handle) {
	return a.pathDB, a.hostDB
}

// Rules returns the application's rules ordered by id.
func (a *Application) Rules() []Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Rule, 0, len(a.rules))
	for _, r := range a.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RebuildHook is invoked after an application's databases change so the
// session layer can refresh every PDR caching handles for that app.
// nil handles clear the references.
type RebuildHook func(appIndex uint32, path, host *dpi.Handle)

// Registry is the name -> Application directory.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]uint32
	apps   []*Application // arena; removed slots stay nil
	free   []uint32

	domain    *rcu.Domain
	onRebuild RebuildHook
}

// NewRegistry creates an empty registry reclaiming old databases
// through the given RCU domain.
func NewRegistry(domain *rcu.Domain) *Registry {
	return &Registry{
		byName: make(map[string]uint32),
		domain: domain,
	}
}

// SetRebuildHook installs the session-layer PDR update walk.
func (r *Registry) SetRebuildHook(h RebuildHook) {
	r.mu.Lock()
	r.onRebuild = h
	r.mu.Unlock()
}

// AppAdd registers a new application name.
func (r *Registry) AppAdd(name string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return NoApp, errors.Errorf(errors.KindAlreadyExists, "application %q already exists", name)
	}

	app := &Application{
		Name:  name,
		rules: make(map[uint32]Rule),
	}
	if n := len(r.free); n > 0 {
		app.ID = r.free[n-1]
		r.free = r.free[:n-1]
		r.apps[app.ID] = app
	} else {
		app.ID = uint32(len(r.apps))
		r.apps = append(r.apps, app)
	}
	r.byName[name] = app.ID

	return app.ID, nil
}

// AppRemove unregisters an application. Every rule is removed, the
// compiled databases are reclaimed after a quiescent period, and every
// PDR referencing the application has its cached handles cleared.
func (r *Registry) AppRemove(ctx context.Context, name string) error {
	r.mu.Lock()
	idx, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "application %q does not exist", name)
	}

	app := r.apps[idx]
	oldPath, oldHost := app.pathDB, app.hostDB
	delete(r.byName, name)
	r.apps[idx] = nil
	r.free = append(r.free, idx)
	hook := r.onRebuild
	r.mu.Unlock()

	if hook != nil {
		hook(idx, nil, nil)
	}
	return r.retire(ctx, oldPath, oldHost)
}

// RuleAdd adds a rule and rebuilds the application's databases. A
// compile failure leaves the previous rules and databases intact.
func (r *Registry) RuleAdd(ctx context.Context, name string, rule Rule) error {
	r.mu.Lock()
	idx, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "application %q does not exist", name)
	}
	app := r.apps[idx]

	app.mu.Lock()
	if _, dup := app.rules[rule.ID]; dup {
		app.mu.Unlock()
		r.mu.Unlock()
		return errors.Errorf(errors.KindAlreadyExists, "rule %d already exists in %q", rule.ID, name)
	}
	app.rules[rule.ID] = rule
	app.mu.Unlock()
	r.mu.Unlock()

	if err := r.rebuild(ctx, app); err != nil {
		if errors.GetKind(err) == errors.KindCompile {
			app.mu.Lock()
			delete(app.rules, rule.ID)
			app.mu.Unlock()
		}
		return err
	}
	return nil
}

// RuleRemove removes a rule and rebuilds the application's databases.
func (r *Registry) RuleRemove(ctx context.Context, name string, ruleID uint32) error {
	r.mu.Lock()
	idx, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "application %q does not exist", name)
	}
	app := r.apps[idx]

	app.mu.Lock()
	if _, ok := app.rules[ruleID]; !ok {
		app.mu.Unlock()
		r.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "rule %d does not exist in %q", ruleID, name)
	}
	delete(app.rules, ruleID)
	app.mu.Unlock()
	r.mu.Unlock()

	return r.rebuild(ctx, app)
}

// rebuild compiles both databases from the application's current rules
// and swaps them in. Pattern ids are the application id, so a scan hit
// names the application, not the rule. Old handles are reclaimed after
// quiescence.
func (r *Registry) rebuild(ctx context.Context, app *Application) error {
	var pathPats, hostPats []dpi.Pattern
	for _, rule := range app.Rules() {
		if rule.Path != "" {
			pathPats = append(pathPats, dpi.Pattern{ID: uint(app.ID), Expr: rule.Path})
		}
		if rule.Host != "" {
			hostPats = append(hostPats, dpi.Pattern{ID: uint(app.ID), Expr: rule.Host})
		}
	}

	var newPath, newHost *dpi.Handle
	var err error

	if len(pathPats) > 0 {
		if newPath, err = dpi.Compile(pathPats); err != nil {
			return err
		}
	}
	if len(hostPats) > 0 {
		if newHost, err = dpi.Compile(hostPats); err != nil {
			if newPath != nil {
				newPath.Close()
			}
			return err
		}
	}

	r.mu.Lock()
	oldPath, oldHost := app.pathDB, app.hostDB
	app.pathDB, app.hostDB = newPath, newHost
	hook := r.onRebuild
	r.mu.Unlock()

	if hook != nil {
		hook(app.ID, newPath, newHost)
	}
	if rerr := r.retire(ctx, oldPath, oldHost); rerr != nil {
		return rerr
	}

	if newPath == nil && newHost == nil {
		return errors.Errorf(errors.KindNotFound, "application %q has no compilable rules", app.Name)
	}
	return nil
}

// retire frees handles once every worker has crossed a quiescent point.
func (r *Registry) retire(ctx context.Context, handles ...*dpi.Handle) error {
	any := false
	for _, h := range handles {
		if h != nil {
			any = true
		}
	}
	if !any {
		return nil
	}

	if err := r.domain.Synchronize(ctx); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "rcu synchronize")
	}
	for _, h := range handles {
		if h != nil {
			h.Close()
		}
	}
	return nil
}

// App returns the application at a stable index.
func (r *Registry) App(index uint32) (*Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index == NoApp || int(index) >= len(r.apps) || r.apps[index] == nil {
		return nil, false
	}
	return r.apps[index], true
}

// AppByName looks an application up by name.
func (r *Registry) AppByName(name string) (*Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.apps[idx], true
}

// Each visits every registered application ordered by name.
func (r *Registry) Each(fn func(*Application)) {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	apps := make([]*Application, len(names))
	for i, n := range names {
		apps[i] = r.apps[r.byName[n]]
	}
	r.mu.RUnlock()

	for _, a := range apps {
		fn(a)
	}
}

// TestScan runs a buffer through one of an application's databases.
// It backs the administrative "adf test db" command.
func (r *Registry) TestScan(index uint32, host bool, buf []byte, sc *dpi.Scratch) (uint32, bool) {
	app, ok := r.App(index)
	if !ok {
		return NoApp, false
	}

	r.mu.RLock()
	db := app.pathDB
	if host {
		db = app.hostDB
	}
	r.mu.RUnlock()

	id, ok := db.Scan(buf, sc)
	if !ok {
		return NoApp, false
	}
	return uint32(id), true
}
