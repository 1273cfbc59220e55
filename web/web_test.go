package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func TestRegisterRoutes_ServesAdapter(t *testing.T) {
	r := mux.NewRouter()
	RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, AdapterPath, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Engage = { track: track }") {
		t.Error("Expected adapter script body")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Expected javascript content type, got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc == "" {
		t.Error("Expected Cache-Control header")
	}
}

func TestRegisterRoutes_MissingFile(t *testing.T) {
	r := mux.NewRouter()
	RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/static/nope.js", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestAdapter_VisibilityRequiresFocus(t *testing.T) {
	src, err := staticFS.ReadFile("static/engage.js")
	if err != nil {
		t.Fatalf("Failed to read adapter: %v", err)
	}
	body := string(src)

	for _, want := range []string{
		`document.visibilityState === "visible" && document.hasFocus()`,
		`document.addEventListener("visibilitychange", onVisibility)`,
		`global.addEventListener("focus", onVisibility)`,
		`global.addEventListener("blur", onVisibility)`,
		`global.removeEventListener("focus", onVisibility)`,
		`global.removeEventListener("blur", onVisibility)`,
		`page_visible: pageVisible()`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected adapter to contain %q", want)
		}
	}
}
