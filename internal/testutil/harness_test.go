package testutil

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestHarness_IsolatesHome(t *testing.T) {
	os.Setenv("TENANTCTL_STORE_PATH", "/should/not/leak")
	defer os.Unsetenv("TENANTCTL_STORE_PATH")

	h := NewHarness(t)

	if got := os.Getenv("TENANTCTL_HOME"); got != h.Home {
		t.Errorf("TENANTCTL_HOME = %q, want %q", got, h.Home)
	}
	if _, ok := os.LookupEnv("TENANTCTL_STORE_PATH"); ok {
		t.Error("TENANTCTL_STORE_PATH should be unset inside the harness")
	}
	if info, err := os.Stat(h.Home); err != nil || !info.IsDir() {
		t.Fatalf("home dir missing: %v", err)
	}

	h.Close()

	if got := os.Getenv("TENANTCTL_STORE_PATH"); got != "/should/not/leak" {
		t.Errorf("TENANTCTL_STORE_PATH not restored, got %q", got)
	}
}

func TestHarness_RestoresUnsetVariables(t *testing.T) {
	os.Unsetenv("TENANTCTL_HOME")
	h := NewHarness(t)
	h.Close()

	if _, ok := os.LookupEnv("TENANTCTL_HOME"); ok {
		t.Error("TENANTCTL_HOME should be unset again after Close")
	}
}

func TestHarness_CleanupOrder(t *testing.T) {
	h := NewHarness(t)
	var order []int
	h.AddCleanup(func() { order = append(order, 1) })
	h.AddCleanup(func() { order = append(order, 2) })
	h.Close()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("cleanups ran in order %v, want [2 1]", order)
	}
}

func TestHarness_Files(t *testing.T) {
	h := NewHarness(t)
	defer h.Close()

	path := h.WriteConfig("api:\n  base_url: http://localhost:1/api\n")
	if path != filepath.Join(h.Home, "config.yaml") {
		t.Errorf("WriteConfig path = %q", path)
	}
	h.FileExists(path)
	h.FileContains(path, "base_url")
	h.FileNotContains(path, "refresh_token")
	h.FilePermissions(path, 0600)
	h.FileNotExists(h.HomePath("data", "session.json"))
}

func TestHarness_StartServer(t *testing.T) {
	h := NewHarness(t)
	defer h.Close()

	srv := h.StartServer()
	if got := os.Getenv("TENANTCTL_API_URL"); got != srv.BaseURL() {
		t.Errorf("TENANTCTL_API_URL = %q, want %q", got, srv.BaseURL())
	}

	resp, err := http.Get(srv.BaseURL() + "/auth/profile/")
	if err != nil {
		t.Fatalf("GET profile: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated profile status = %d, want 401", resp.StatusCode)
	}
}

func TestLogger_Slog(t *testing.T) {
	l := NewLogger(t)
	l.SetLevel(DEBUG)
	l.SetStep("slog")

	log := l.Slog().With("component", "test")
	log.Debug("debug line", "n", 1)
	log.Warn("warn line", "error", os.ErrNotExist)

	if l.Step() != "slog" {
		t.Errorf("Step() = %q", l.Step())
	}
	if !l.Slog().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled at DEBUG level")
	}
	l.SetLevel(ERROR)
	if l.Slog().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be disabled at ERROR level")
	}
}
