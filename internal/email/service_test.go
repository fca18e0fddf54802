package email

import (
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendFixRequestEmail(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "handbook@example.com", FromName: "Handbook"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	svc.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendFixRequestEmail("author@example.com", FixRequestData{
		PullRequestTitle: "Install guide",
		Title:            "Typo fixes",
		Description:      "Two small fixes",
		URL:              "https://handbook.example.com/fix-requests/abc",
		ExpiresAt:        time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SendFixRequestEmail() error = %v", err)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 1 || gotTo[0] != "author@example.com" {
		t.Fatalf("unexpected envelope addr=%q to=%v", gotAddr, gotTo)
	}
	for _, want := range []string{
		"From: Handbook <handbook@example.com>",
		`Subject: Changes requested on "Install guide"`,
		"https://handbook.example.com/fix-requests/abc",
		"Jan 2, 2026 03:04 UTC",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Fatalf("message missing %q:\n%s", want, gotMsg)
		}
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendFixRequestEmail("a@example.com", FixRequestData{}); err == nil {
		t.Fatal("expected error when SMTP is not configured")
	}
}
