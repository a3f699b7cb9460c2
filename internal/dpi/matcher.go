// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package dpi wraps the Hyperscan multi-pattern regex engine for
// application detection. A compiled Handle is read-only after
// publication; scratch space is per worker and must never be shared
// across concurrent scans.
package dpi

import (
	"github.com/flier/gohs/hyperscan"

	"github.com/emflex/upf/internal/errors"
)

// Pattern is one uncompiled expression with the id reported on match.
type Pattern struct {
	ID   uint
	Expr string
}

// Handle is a compiled multi-pattern database.
type Handle struct {
	db       hyperscan.BlockDatabase
	patterns []Pattern
}

// Compile builds a block-mode database from the given patterns with
// DOTALL semantics. The returned error carries the engine diagnostic.
func Compile(patterns []Pattern) (*Handle, error) {
	if len(patterns) == 0 {
		return nil, errors.New(errors.KindNotFound, "no patterns to compile")
	}

	hsPatterns := make([]*hyperscan.Pattern, len(patterns))
	for i, p := range patterns {
		hp := hyperscan.NewPattern(p.Expr, hyperscan.DotAll)
		hp.Id = int(p.ID)
		hsPatterns[i] = hp
	}

	db, err := hyperscan.NewBlockDatabase(hsPatterns...)
	if err != nil {
		return nil, errors.Compile(err.Error())
	}

	return &Handle{
		db:       db,
		patterns: append([]Pattern(nil), patterns...),
	}, nil
}

// Patterns returns the pattern list the Handle was compiled from.
func (h *Handle) Patterns() []Pattern {
	return h.patterns
}

// Close frees the compiled database. Must only be called after a
// quiescent period once no worker can still scan against it.
func (h *Handle) Close() {
	if h.db != nil {
		h.db.Close()
		h.db = nil
	}
}

// Scratch is per-worker scan state. It is lazily grown to fit whichever
// Handle it is used with.
type Scratch struct {
	s    *hyperscan.Scratch
	last *Handle
}

// NewScratch allocates empty scratch space.
func NewScratch() *Scratch {
	return &Scratch{}
}

// Free releases the scratch space.
func (sc *Scratch) Free() {
	if sc.s != nil {
		_ = sc.s.Free()
		sc.s = nil
	}
	sc.last = nil
}

func (sc *Scratch) ensure(h *Handle) error {
	if sc.s == nil {
		s, err := hyperscan.NewScratch(h.db)
		if err != nil {
			return errors.Wrap(err, errors.KindResourceExhausted, "alloc scratch")
		}
		sc.s = s
		sc.last = h
		return nil
	}
	if sc.last != h {
		if err := sc.s.Realloc(h.db); err != nil {
			return errors.Wrap(err, errors.KindResourceExhausted, "grow scratch")
		}
		sc.last = h
	}
	return nil
}

// Scan matches buf against the database and reports the id of the
// first pattern to match. ok is false when nothing matched.
func (h *Handle) Scan(buf []byte, sc *Scratch) (id uint, ok bool) {
	if h == nil || h.db == nil || len(buf) == 0 {
		return 0, false
	}
	if err := sc.ensure(h); err != nil {
		return 0, false
	}

	var hit struct {
		id    uint
		found bool
	}

	// Set-and-exit: only the first reported id is kept.
	onMatch := func(id uint, from, to uint64, flags uint, _ interface{}) error {
		if !hit.found {
			hit.id = id
			hit.found = true
		}
		return nil
	}

	if err := h.db.Scan(buf, sc.s, onMatch, nil); err != nil {
		return 0, false
	}
	return hit.id, hit.found
}
