package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"sortbox/internal/config"
	"sortbox/internal/model"
)

func TestPrintStatus(t *testing.T) {
	color.NoColor = true
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tranches := []model.Tranche{
		{ID: 1, StartIndex: 0, TotalToFetch: 1000, FetchedCount: 1000, Status: model.StatusCooldown, CooldownUntil: now.Add(20 * time.Second)},
		{ID: 2, StartIndex: 1000, TotalToFetch: 1000, FetchedCount: 250, Status: model.StatusError, LastError: "provider error (500): backend"},
		{ID: 3, StartIndex: 2000, TotalToFetch: 500, Status: model.StatusPending},
	}

	var buf bytes.Buffer
	printStatus(&buf, tranches, 2500, 0.25, now)
	out := buf.String()

	for _, want := range []string{
		"ready in 20s",
		"1001-2000",
		"250/1000",
		"provider error (500): backend",
		"50% complete",
		"1250 of 2500 messages",
		"about 5m13s left",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatusEmpty(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, nil, 0, 0.25, time.Now())
	if !strings.Contains(buf.String(), "No tranches yet") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestSetupAnswersRoundTrip(t *testing.T) {
	cfg := &config.Config{
		Harvest:  config.HarvestConfig{TrancheCapacity: 1000, PageCapacity: 100},
		Provider: config.ProviderConfig{Kind: config.ProviderGmail, IMAP: config.IMAPConfig{Port: 993, TLS: true, Mailbox: "INBOX"}},
		AI:       config.AIConfig{Kind: "anthropic", Model: "claude"},
	}
	a := answersFrom(cfg)
	if a.security != securityTLS || a.port != "993" {
		t.Fatalf("answers = %+v", a)
	}

	a.provider = config.ProviderIMAP
	a.host = "imap.example.com"
	a.port = "143"
	a.security = securityStartTLS
	a.username = "me"
	a.aiKind = "openai"
	if err := a.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ic := cfg.Provider.IMAP
	if cfg.Provider.Kind != config.ProviderIMAP || ic.Port != 143 || ic.TLS || !ic.StartTLS || ic.Host != "imap.example.com" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.AI.Kind != "openai" {
		t.Fatalf("ai = %+v", cfg.AI)
	}

	a.port = "imap"
	if err := a.apply(cfg); err == nil {
		t.Fatal("expected error for bad port")
	}
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"993", false},
		{"0", true},
		{"70000", true},
		{"x", true},
	}
	for _, tt := range tests {
		if err := validatePort(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("validatePort(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
