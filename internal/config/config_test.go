package config

import "testing"

func clearRequiredEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REDIS_URL", "NOSANA_API_BASE", "R2_ENDPOINT", "R2_BUCKET",
		"CALLBACK_TOKEN", "SOLANA_RPC_URL", "CREDITS_PROGRAM_ID", "SPENDER_KEYPAIR",
		"PORT", "CORS_ORIGINS", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT",
		"ENV_FILE",
	} {
		t.Setenv(key, "")
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("NOSANA_API_BASE", "https://fabric.test")
	t.Setenv("R2_ENDPOINT", "https://r2.test")
	t.Setenv("R2_BUCKET", "clips")
	t.Setenv("CALLBACK_TOKEN", "secret")
	t.Setenv("SOLANA_RPC_URL", "https://rpc.test")
	t.Setenv("CREDITS_PROGRAM_ID", "11111111111111111111111111111111")
	t.Setenv("SPENDER_KEYPAIR", "/run/secrets/spender.json")
}

func TestLoadMissingRequiredVars(t *testing.T) {
	clearRequiredEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error when required env vars are missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearRequiredEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != defaultAddress {
		t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, defaultAddress)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadPortOverride(t *testing.T) {
	clearRequiredEnv(t)
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("Server.Address = %q, want :9090", cfg.Server.Address)
	}
}

func TestCORSOriginsParsing(t *testing.T) {
	clearRequiredEnv(t)
	setRequiredEnv(t)
	t.Setenv("CORS_ORIGINS", "https://a.test, https://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://a.test", "https://b.test"}
	if len(cfg.Server.CORSOrigins) != len(want) {
		t.Fatalf("CORSOrigins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
	for i := range want {
		if cfg.Server.CORSOrigins[i] != want[i] {
			t.Errorf("CORSOrigins[%d] = %q, want %q", i, cfg.Server.CORSOrigins[i], want[i])
		}
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"1", true},
		{"yes", true},
		{"False", false},
		{"", false},
		{"nah", false},
	}
	for _, tt := range tests {
		if got := ParseBool(tt.in); got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
