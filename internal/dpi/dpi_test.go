// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package dpi

import (
	"testing"

	"github.com/emflex/upf/internal/errors"
)

func compileOne(t *testing.T, id uint, expr string) *Handle {
	t.Helper()
	h, err := Compile([]Pattern{{ID: id, Expr: expr}})
	if err != nil {
		t.Fatalf("Compile(%q): %v", expr, err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestCompileEmpty(t *testing.T) {
	_, err := Compile(nil)
	if err == nil {
		t.Fatal("expected error for empty pattern list")
	}
	if errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", errors.GetKind(err))
	}
}

func TestCompileError(t *testing.T) {
	_, err := Compile([]Pattern{{ID: 1, Expr: "a["}})
	if err == nil {
		t.Fatal("expected compile error for bad pattern")
	}
	if errors.GetKind(err) != errors.KindCompile {
		t.Errorf("expected KindCompile, got %v", errors.GetKind(err))
	}
	if err.Error() == "" {
		t.Error("compile error must carry the engine diagnostic")
	}
}

func TestScanFirstMatch(t *testing.T) {
	h, err := Compile([]Pattern{
		{ID: 3, Expr: "^/video/"},
		{ID: 5, Expr: "^/img/"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer h.Close()

	sc := NewScratch()
	defer sc.Free()

	id, ok := h.Scan([]byte("/video/clip.mp4"), sc)
	if !ok || id != 3 {
		t.Errorf("scan /video: id=%d ok=%v, want 3", id, ok)
	}

	id, ok = h.Scan([]byte("/img/logo.png"), sc)
	if !ok || id != 5 {
		t.Errorf("scan /img: id=%d ok=%v, want 5", id, ok)
	}

	if _, ok = h.Scan([]byte("/nothing"), sc); ok {
		t.Error("scan must miss on unmatched input")
	}
}

func TestScanDotAll(t *testing.T) {
	h := compileOne(t, 1, "start.end")
	sc := NewScratch()
	defer sc.Free()

	// DOTALL: '.' must cross a newline.
	if _, ok := h.Scan([]byte("start\nend"), sc); !ok {
		t.Error("expected DOTALL semantics")
	}
}

func TestScratchAcrossHandles(t *testing.T) {
	h1 := compileOne(t, 1, "alpha")
	h2 := compileOne(t, 2, "beta")

	sc := NewScratch()
	defer sc.Free()

	if id, ok := h1.Scan([]byte("alpha"), sc); !ok || id != 1 {
		t.Fatalf("h1 scan: id=%d ok=%v", id, ok)
	}
	// The same worker scratch must grow to fit the second handle.
	if id, ok := h2.Scan([]byte("beta"), sc); !ok || id != 2 {
		t.Fatalf("h2 scan: id=%d ok=%v", id, ok)
	}
}

func TestNilHandleScan(t *testing.T) {
	var h *Handle
	sc := NewScratch()
	defer sc.Free()

	if _, ok := h.Scan([]byte("anything"), sc); ok {
		t.Error("nil handle must never match")
	}
}

const httpGet = "GET /abc HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"

func parseDBs(t *testing.T) (path, host *Handle, sc *Scratch) {
	t.Helper()
	path = compileOne(t, 42, "^/a")
	host = compileOne(t, 42, "^example\\.com$")
	sc = NewScratch()
	t.Cleanup(sc.Free)
	return path, host, sc
}

func TestParseHTTPGet(t *testing.T) {
	path, host, sc := parseDBs(t)

	app, ok := ParseHTTPGet([]byte(httpGet), path, host, sc)
	if !ok {
		t.Fatal("expected app binding")
	}
	if app != 42 {
		t.Errorf("app = %d, want 42", app)
	}
}

func TestParseHTTPGetBoundaries(t *testing.T) {
	path, host, sc := parseDBs(t)

	cases := []struct {
		name    string
		payload string
	}{
		{"short payload", "GET /a"},
		{"not a get", "POST /abc HTTP/1.1\r\nHost: example.com\r\n\r\n"},
		{"no uri terminator", "GET /abc"},
		{"host absent", "GET /abc HTTP/1.1\r\nAccept: */*\r\n\r\n"},
		{"host unterminated", "GET /abc HTTP/1.1\r\nHost: example.com"},
		{"path miss", "GET /zzz HTTP/1.1\r\nHost: example.com\r\n\r\n"},
		{"host miss", "GET /abc HTTP/1.1\r\nHost: other.com\r\n\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := ParseHTTPGet([]byte(tc.payload), path, host, sc); ok {
				t.Errorf("expected no match for %q", tc.payload)
			}
		})
	}
}

func TestParseHTTPGetAppMismatch(t *testing.T) {
	// Path names app 1, host names app 2: consensus fails.
	path := compileOne(t, 1, "^/a")
	host := compileOne(t, 2, "^example\\.com$")
	sc := NewScratch()
	defer sc.Free()

	if _, ok := ParseHTTPGet([]byte(httpGet), path, host, sc); ok {
		t.Error("expected no match when path app != host app")
	}
}
