// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	lwm2merrors "github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/caarlos0/env/v11"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: EnvPrefix, Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Mode != "client" || cfg.Address != ":5683" || cfg.Version != "1.1" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Lifetime != 86400*time.Second || cfg.BlockSize != 1024 {
		t.Errorf("lifetime = %v, block size = %d", cfg.Lifetime, cfg.BlockSize)
	}
	if cfg.Policy() != registration.DefaultPolicy() {
		t.Errorf("policy = %+v, want %+v", cfg.Policy(), registration.DefaultPolicy())
	}
}

func TestNewConfigEnvironment(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: EnvPrefix, Environment: map[string]string{
		"LWM2M_MODE":                       "server",
		"LWM2M_LIFETIME":                   "300s",
		"LWM2M_SERVER_SHORT_ID":            "101",
		"LWM2M_COMMUNICATION_RETRY_COUNT":  "2",
		"LWM2M_REGISTRATION_FAILURE_BLOCK": "true",
	}})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Mode != "server" || cfg.Lifetime != 300*time.Second || cfg.ServerShortID != 101 {
		t.Errorf("config = %+v", cfg)
	}
	if p := cfg.Policy(); p.RetryCount != 2 || !p.FailureBlock {
		t.Errorf("policy = %+v", p)
	}

	if _, err := NewConfig(env.Options{Prefix: EnvPrefix, Environment: map[string]string{"LWM2M_LIFETIME": "soon"}}); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestConfigServers(t *testing.T) {
	cfg := Config{
		ServerURI:     "coap://dm",
		ServerShortID: 101,
		BootstrapURI:  "coap://bs",
		BootstrapHold: 5 * time.Second,
		Lifetime:      300 * time.Second,
		Binding:       "U",
	}
	servers, err := cfg.Servers()
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if !servers[0].Bootstrap || servers[0].URI != "coap://bs" || servers[0].HoldOff != 5*time.Second {
		t.Errorf("bootstrap server = %+v", servers[0])
	}
	if servers[1].ShortID != 101 || servers[1].Lifetime != 300*time.Second {
		t.Errorf("data server = %+v", servers[1])
	}

	if _, err := (Config{}).Servers(); !errors.Is(err, lwm2merrors.ErrNoServerAvailable) {
		t.Errorf("Servers without URIs error = %v", err)
	}
}

const testFile = `
servers:
  - uri: coap://bs
    bootstrap: true
    hold_off: 10s
  - uri: coap://dm
    short_id: 101
    lifetime: 300s
    policy:
      communication_retry_count: 2
      communication_retry_timer: 30s
bootstrap:
  node-1:
    servers:
      - uri: coap://dm
        short_id: 101
        lifetime: 300s
  "*":
    keep_existing: true
`

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(testFile))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}

	servers := f.Registrations()
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if bs := servers[0]; !bs.Bootstrap || bs.HoldOff != 10*time.Second || bs.Policy != registration.DefaultPolicy() {
		t.Errorf("bootstrap server = %+v", bs)
	}
	dm := servers[1]
	if dm.ShortID != 101 || dm.Lifetime != 300*time.Second {
		t.Errorf("data server = %+v", dm)
	}
	if dm.Policy.RetryCount != 2 || dm.Policy.RetryTimer != 30*time.Second {
		t.Errorf("policy = %+v", dm.Policy)
	}

	p, err := f.BootstrapProvider()
	if err != nil {
		t.Fatalf("BootstrapProvider: %v", err)
	}
	info, ok := p.Bootstrap("node-1")
	if !ok || info.KeepExisting || len(info.Writes) == 0 {
		t.Fatalf("node-1 info = %+v, %v", info, ok)
	}
	if got := info.Writes[0].URI.String(); got != "/0/1/0" {
		t.Errorf("first write = %s, want /0/1/0", got)
	}
	if info, ok := p.Bootstrap("other"); !ok || !info.KeepExisting {
		t.Errorf("fallback info = %+v, %v", info, ok)
	}
}

func TestParseFileErrors(t *testing.T) {
	cases := []struct {
		desc string
		in   string
	}{
		{desc: "not yaml", in: "servers: [:"},
		{desc: "missing uri", in: "servers:\n  - short_id: 1\n"},
		{desc: "missing short id", in: "servers:\n  - uri: coap://dm\n"},
		{desc: "reserved short id", in: "servers:\n  - uri: coap://dm\n    short_id: 65535\n"},
		{desc: "bad bootstrap server", in: "bootstrap:\n  node-1:\n    servers:\n      - short_id: 3\n"},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			if _, err := ParseFile([]byte(c.in)); !errors.Is(err, lwm2merrors.ErrInvalidInput) {
				t.Errorf("ParseFile error = %v", err)
			}
		})
	}
}

func TestConfigServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(testFile), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	servers, err := Config{ServersFile: path}.Servers()
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("servers = %d, want 2", len(servers))
	}

	if _, err := (Config{ServersFile: filepath.Join(t.TempDir(), "missing.yaml")}).Servers(); err == nil {
		t.Error("missing file accepted")
	}
}
