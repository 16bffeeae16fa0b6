package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
port: "8080"
databaseURL: "postgres://localhost/fiscalchat"
redisAddr: "localhost:6379"
sessionSecret: "0123456789abcdef0123456789abcdef"
storageDriver: file
filePath: "/tmp/fiscalchat"
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("SESSION_SECRET", "ffffffffffffffffffffffffffffffff")
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" {
		t.Fatalf("env override not applied: %q", cfg.RedisAddr)
	}
	if cfg.SessionSecret != "ffffffffffffffffffffffffffffffff" {
		t.Fatalf("secret override not applied")
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing port", `
databaseURL: "postgres://x"
redisAddr: "localhost:6379"
sessionSecret: "0123456789abcdef0123456789abcdef"
storageDriver: file
filePath: "/tmp/x"
`},
		{"missing session secret", `
port: "8080"
databaseURL: "postgres://x"
redisAddr: "localhost:6379"
storageDriver: file
filePath: "/tmp/x"
`},
		{"minio driver without endpoint", `
port: "8080"
databaseURL: "postgres://x"
redisAddr: "localhost:6379"
sessionSecret: "0123456789abcdef0123456789abcdef"
storageDriver: minio
`},
		{"unknown driver", `
port: "8080"
databaseURL: "postgres://x"
redisAddr: "localhost:6379"
sessionSecret: "0123456789abcdef0123456789abcdef"
storageDriver: tape
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("sessionTTL", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationField("sessionTTL", "15m"); err != nil || d != 15*time.Minute {
		t.Fatalf("15m: %v %v", d, err)
	}
	if _, err := ParseDurationField("sessionTTL", "soon"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseTrustedProxies(t *testing.T) {
	if got := ParseTrustedProxies(""); got != nil {
		t.Fatalf("empty should be nil, got %v", got)
	}
	got := ParseTrustedProxies(" 10.0.0.1 , 10.0.0.2,, ")
	if len(got) != 2 || got[0] != "10.0.0.1" || got[1] != "10.0.0.2" {
		t.Fatalf("unexpected proxies %v", got)
	}
}
