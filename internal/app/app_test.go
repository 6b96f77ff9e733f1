package app

import (
	"testing"

	"heimdall/internal/config"
	logx "heimdall/pkg/logx"
)

func reloadFixture(t *testing.T) *App {
	t.Helper()
	initial := logx.Config{Level: "info"}
	svc, log := logx.New(initial)
	t.Cleanup(func() { svc.Close() })
	return &App{logs: svc, log: log, lastLog: initial}
}

func TestApplyReloadSwapsLogLevel(t *testing.T) {
	a := reloadFixture(t)
	if a.log.Enabled(logx.LevelDebug) {
		t.Fatal("debug enabled before reload")
	}

	a.applyReload(&config.Config{Logging: config.LoggingConfig{Level: "debug"}})
	if !a.log.Enabled(logx.LevelDebug) {
		t.Fatal("debug not enabled after reload")
	}
	if a.lastLog.Level != "debug" {
		t.Fatalf("lastLog.Level = %q", a.lastLog.Level)
	}

	// An unchanged logging section leaves the live service alone.
	before := a.lastLog
	a.applyReload(&config.Config{Logging: config.LoggingConfig{Level: "debug"}})
	if a.lastLog != before {
		t.Fatalf("lastLog changed on identical snapshot: %+v", a.lastLog)
	}

	a.applyReload(nil)
}
