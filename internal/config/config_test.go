package config

import (
	"os"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("0xMe")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.IdentityAddress() != "0xMe" {
		t.Fatalf("identity = %s", cfg.IdentityAddress())
	}
	types := cfg.DomainVerifierTypes()
	if len(types) != 3 || types[0].Name != "Location" {
		t.Fatalf("unexpected verifier types %+v", types)
	}
	if cfg.Source.Kafka.Enabled() {
		t.Fatalf("kafka should be off by default")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"identity": `identity: ""`,
		"verifier": "identity: x\nverifier_types:\n  - name: Location\n",
		"dup name": "identity: x\nverifier_types:\n  - {address: '0x1', name: A}\n  - {address: '0x2', name: A}\n",
		"hook url": "identity: x\nnotifications:\n  webhooks:\n    - {id: ops, url: 'ftp://x'}\n",
		"hook id":  "identity: x\nnotifications:\n  webhooks:\n    - {url: 'http://x'}\n",
		"kafka":    "identity: x\nsource:\n  kafka:\n    brokers: [localhost:9092]\n",
		"basepath": "identity: x\nserver:\n  base_path: v0\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "lv config init") {
		t.Fatalf("expected hint, got %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("0xMe")), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := loaded.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromYAML(out)
	if err != nil || again.Identity != "0xMe" || again.Server.BasePath != "/v0" {
		t.Fatalf("round trip: %+v %v", again, err)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("LEDGERVIEW_LOG_LEVEL", "debug")
	t.Setenv("LEDGERVIEW_OTEL_ENABLED", "false")
	e, err := LoadEnv()
	if err != nil {
		t.Fatal(err)
	}
	if e.LogLevel != "debug" || e.LogFormat != "json" || e.OTelEnabled {
		t.Fatalf("unexpected env %+v", e)
	}
	t.Setenv("LEDGERVIEW_LOG_FORMAT", "xml")
	if _, err := LoadEnv(); err == nil {
		t.Fatalf("expected format error")
	}
	t.Setenv("LEDGERVIEW_OTEL_ENABLED", "maybe")
	if err := ParseEnv(&Env{}); err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected wrapped parse error, got %v", err)
	}
}
