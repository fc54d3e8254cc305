package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for bad mode")
	}
}

func TestValidateClientRequiresServerID(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeClient
	cfg.ServerID = ""
	cfg.ServerAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when client mode lacks serverid/server_address")
	}
}

func TestValidateRejectsDuplicateServiceNames(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeServer
	cfg.Services = []Service{
		{Name: "ssh", Host: "127.0.0.1", Port: 22},
		{Name: "ssh", Host: "127.0.0.1", Port: 2222},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for duplicate service names")
	}
}

func TestValidateRejectsUserReferencingUnknownService(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeServer
	cfg.Services = []Service{{Name: "ssh", Host: "127.0.0.1", Port: 22}}
	cfg.Users = []User{{UserID: "abc", Services: []string{"ftp"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for user referencing unknown service")
	}
}

func TestValidateRejectsBadBootstrap(t *testing.T) {
	cfg := Default()
	cfg.Bootstraps = []Bootstrap{{Port: 33445, PublicKey: "abc"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for bootstrap missing ipv4/ipv6")
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first Ensure")
	}
	if cfg.Mode != ModeServer {
		t.Fatalf("expected default mode server, got %s", cfg.Mode)
	}

	cfg.Mode = ModeServer
	cfg.Services = []Service{{Name: "shell", Host: "127.0.0.1", Port: 2222}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (reload): %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on reload")
	}
	if reloaded.Mode != ModeServer || len(reloaded.Services) != 1 {
		t.Fatalf("reloaded config mismatch: %+v", reloaded)
	}
}

func TestServiceLookupHelpers(t *testing.T) {
	cfg := Default()
	cfg.Services = []Service{{Name: "shell", Host: "127.0.0.1", Port: 2222}}
	cfg.Users = []User{{UserID: "abc", Services: []string{"shell"}}}

	svc, ok := cfg.ServiceByName("shell")
	if !ok || svc.Port != 2222 {
		t.Fatalf("ServiceByName failed: %+v, %v", svc, ok)
	}

	names, ok := cfg.ServicesFor("abc")
	if !ok || len(names) != 1 || names[0] != "shell" {
		t.Fatalf("ServicesFor failed: %+v, %v", names, ok)
	}

	if _, ok := cfg.ServicesFor("unknown-user"); ok {
		t.Fatalf("ServicesFor should fail for unknown user")
	}
}
