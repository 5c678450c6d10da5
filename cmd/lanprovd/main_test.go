package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/lanprov/lanprovd/internal/config"
)

func TestHashpw(t *testing.T) {
	cmd := newHashpwCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--cost", "4", "s3cret"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not match token: %v", err)
	}
}

func TestHashpwRejectsCost(t *testing.T) {
	cmd := newHashpwCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--cost", "99", "x"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for cost 99")
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.toml")

	cmd := newInitCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Port != config.DefaultDiscoveryPort {
		t.Errorf("Discovery.Port = %d, want %d", cfg.Discovery.Port, config.DefaultDiscoveryPort)
	}

	again := newInitCmd()
	again.SetOut(&bytes.Buffer{})
	again.SetErr(&bytes.Buffer{})
	again.SetArgs([]string{"--config", path})
	if err := again.Execute(); err == nil {
		t.Error("expected error when the file exists")
	}
}
