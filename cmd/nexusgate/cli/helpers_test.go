package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/nexusgate/nexusgate/internal/config"
)

func TestWithoutFlag(t *testing.T) {
	got := withoutFlag([]string{"serve", "--daemon", "--port", "9090", "--daemon=true"}, "--daemon")
	want := []string{"serve", "--port", "9090"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("withoutFlag = %v, want %v", got, want)
	}
}

func TestOptionalID(t *testing.T) {
	if optionalID(0) != nil || optionalID(-3) != nil {
		t.Error("non-positive ids should be nil")
	}
	if id := optionalID(7); id == nil || *id != 7 {
		t.Errorf("optionalID(7) = %v", id)
	}
}

func TestDurationSetting(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("cache.ttl", "90s")
	if got := durationSetting("cache.ttl", time.Minute); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	viper.Set("cache.ttl", "soon")
	if got := durationSetting("cache.ttl", time.Minute); got != time.Minute {
		t.Errorf("malformed value: got %v, want fallback", got)
	}
	if got := durationSetting("missing.key", 5*time.Second); got != 5*time.Second {
		t.Errorf("unset key: got %v, want fallback", got)
	}
}

func TestResolveDataDir(t *testing.T) {
	t.Cleanup(func() { dataDir = "" })

	t.Setenv("NEXUSGATE_DATA_DIR", "/tmp/from-env")
	if got := resolveDataDir(); got != "/tmp/from-env" {
		t.Errorf("env: got %q", got)
	}
	dataDir = "/tmp/from-flag"
	if got := resolveDataDir(); got != "/tmp/from-flag" {
		t.Errorf("flag: got %q", got)
	}
}

func TestResolveServerURL(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		serverURL = ""
	})
	t.Setenv("NEXUSGATE_SERVER", "")

	viper.Set("server.host", "0.0.0.0")
	viper.Set("server.port", 9191)
	if got := resolveServerURL(); got != "http://127.0.0.1:9191" {
		t.Errorf("got %q", got)
	}
	serverURL = "https://gate.internal"
	if got := resolveServerURL(); got != "https://gate.internal" {
		t.Errorf("flag: got %q", got)
	}
}

func TestVersionJSON(t *testing.T) {
	cmd := newVersionCmd("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc123" {
		t.Errorf("unexpected info: %v", info)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexusgate.yaml")

	if err := runConfigInit(path, false); err != nil {
		t.Fatalf("first init: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "per_minute: 60") {
		t.Errorf("default limits missing from config:\n%s", data)
	}

	if err := runConfigInit(path, false); err == nil {
		t.Error("expected refusal to overwrite without --force")
	}
	if err := runConfigInit(path, true); err != nil {
		t.Errorf("forced init: %v", err)
	}
}

func TestOpenStoreUsesDataDir(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		dataDir = ""
	})
	dataDir = t.TempDir()
	viper.Set("database.driver", config.DriverSQLite)

	store, err := openStore()
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dataDir, "nexusgate.db")); err != nil {
		t.Errorf("expected database under data dir: %v", err)
	}
}
