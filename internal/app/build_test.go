package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ent0n29/livehelp/internal/config"
	"github.com/ent0n29/livehelp/internal/logging"
)

func TestBuildWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.DiscordToken = "test-token"
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "history.db")

	res, err := Build(context.Background(), cfg, logging.Nop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if res.Support == nil || res.Bot == nil || res.API == nil {
		t.Fatalf("Build() left components nil: %+v", res)
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	r, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before gateway ready = %d, want %d", r.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestBuildRejectsUnknownDatabaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.DiscordToken = "test-token"
	cfg.DatabaseURL = "mysql://nope"

	if _, err := Build(context.Background(), cfg, logging.Nop()); err == nil {
		t.Fatalf("Build() error = nil, want error for unsupported database url")
	}
}
