package config

import (
	"strings"
	"testing"
)

const sample = `
# deployment config
[store]
base_url = https://store.example.test
client_id = worker-1
client_secret = s3cr3t
verify_requests = false
scope = uapi_orders_get uapi_orders_post
threads = 8

[engine]
instance = prod
keep_alive_update_interval = 5
keep_alive_timeout = 30.5
`

func TestParseReader(t *testing.T) {
	cfg, err := ParseReader(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	store := cfg.Store()
	if store.BaseURL != "https://store.example.test" {
		t.Errorf("BaseURL = %q", store.BaseURL)
	}
	if store.ClientID != "worker-1" {
		t.Errorf("ClientID = %q", store.ClientID)
	}
	if store.VerifyRequests {
		t.Error("VerifyRequests should be false")
	}
	if store.Threads != 8 {
		t.Errorf("Threads = %d", store.Threads)
	}

	engine := cfg.Engine()
	if engine.Instance != "prod" {
		t.Errorf("Instance = %q", engine.Instance)
	}
	if engine.KeepAliveUpdateInterval != 5 {
		t.Errorf("KeepAliveUpdateInterval = %v", engine.KeepAliveUpdateInterval)
	}
	if engine.KeepAliveTimeout != 30.5 {
		t.Errorf("KeepAliveTimeout = %v", engine.KeepAliveTimeout)
	}
}

func TestFallbacks(t *testing.T) {
	cfg, err := ParseReader(strings.NewReader("[store]\nbase_url = https://x.test\n"))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	engine := cfg.Engine()
	if engine.Instance != "default" {
		t.Errorf("Instance fallback = %q, want default", engine.Instance)
	}
	if engine.KeepAliveUpdateInterval != DefaultKeepAliveUpdateInterval {
		t.Errorf("KeepAliveUpdateInterval fallback = %v", engine.KeepAliveUpdateInterval)
	}
	if engine.KeepAliveTimeout != DefaultKeepAliveTimeout {
		t.Errorf("KeepAliveTimeout fallback = %v", engine.KeepAliveTimeout)
	}

	store := cfg.Store()
	if !store.VerifyRequests {
		t.Error("VerifyRequests fallback should be true")
	}
	if store.Threads != 1 {
		t.Errorf("Threads fallback = %d", store.Threads)
	}
}

func TestKeyOutsideSection(t *testing.T) {
	_, err := ParseReader(strings.NewReader("base_url = https://x.test\n"))
	if err == nil {
		t.Fatal("expected error for key outside any section")
	}
}

func TestBoolTokens(t *testing.T) {
	cfg, err := ParseReader(strings.NewReader("[store]\nverify_requests = yes\n"))
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if !cfg.Bool("store", "verify_requests", false) {
		t.Error("expected yes to parse as true")
	}
}
