package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/sitedeploy/internal/token"
	"github.com/keithlinneman/sitedeploy/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file="}, args...))
	err := root.Execute()
	return out.String(), err
}

func parseKV(t *testing.T, out string) map[string]string {
	t.Helper()
	kv := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			t.Fatalf("unexpected output line %q", line)
		}
		kv[k] = v
	}
	return kv
}

func TestTokenCmd_Generates(t *testing.T) {
	out, err := execute(t, "token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	kv := parseKV(t, out)
	if len(kv["TOKEN"]) != 64 {
		t.Fatalf("TOKEN should be 64 hex chars, got %q", kv["TOKEN"])
	}
	if kv["HASH"] != token.Digest(kv["TOKEN"]) {
		t.Fatalf("HASH %q is not the digest of TOKEN", kv["HASH"])
	}
}

func TestTokenCmd_GivenValue(t *testing.T) {
	out, err := execute(t, "token", "s3cret")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	kv := parseKV(t, out)
	if kv["TOKEN"] != "s3cret" {
		t.Fatalf("TOKEN = %q, want s3cret", kv["TOKEN"])
	}
	if kv["HASH"] != token.Digest("s3cret") {
		t.Fatalf("HASH = %q", kv["HASH"])
	}
}

func TestTokenCmd_Rejects(t *testing.T) {
	if _, err := execute(t, "token", "  "); err == nil {
		t.Fatal("expected error for blank value")
	}
	if _, err := execute(t, "token", "a", "b"); err == nil {
		t.Fatal("expected error for two values")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, version.AppName+" ") {
		t.Fatalf("unexpected version output %q", out)
	}

	out, err = execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json: %v", err)
	}
	var vi version.Info
	if err := json.Unmarshal([]byte(out), &vi); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if vi.AppName != version.AppName {
		t.Fatalf("app = %q", vi.AppName)
	}
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	t.Setenv("SITEDEPLOY_BASE_DOMAIN", "")
	_, err := execute(t, "serve", "--http-port=0")
	if err == nil || !strings.Contains(err.Error(), "config error") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLoadDotenv(t *testing.T) {
	var stderr bytes.Buffer

	if err := loadDotenv(filepath.Join(t.TempDir(), "missing.env"), &stderr); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	const key = "SITEDEPLOY_DOTENV_TEST"
	t.Setenv(key, "")
	os.Unsetenv(key)

	p := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(p, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadDotenv(p, &stderr); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Fatalf("%s = %q, want from-file", key, got)
	}
	if !strings.Contains(stderr.String(), "loaded environment from") {
		t.Fatalf("expected load notice, got %q", stderr.String())
	}
}

func TestLoadDotenv_DoesNotOverride(t *testing.T) {
	const key = "SITEDEPLOY_DOTENV_KEEP"
	t.Setenv(key, "from-env")

	p := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(p, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadDotenv(p, &bytes.Buffer{}); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if got := os.Getenv(key); got != "from-env" {
		t.Fatalf("%s = %q, want from-env", key, got)
	}
}
