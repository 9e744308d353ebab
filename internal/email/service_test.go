package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
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
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
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

func TestRenderShareTemplate(t *testing.T) {
	data := ShareData{
		AppName:       "QuillSync",
		RecipientName: "Bob",
		SharerName:    "Alice",
		DocumentTitle: "Roadmap <Q3>",
		Role:          "editor",
		DocumentURL:   "https://example.com/documents/Roadmap",
	}

	html, err := renderTemplate(shareEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{"Bob", "Alice", "editor", "https://example.com/documents/Roadmap", "Roadmap &lt;Q3&gt;"} {
		if !strings.Contains(html, want) {
			t.Errorf("template should contain %q", want)
		}
	}
}

func TestSendShareNotification(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "QuillSync"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendShareNotification("bob@example.com", ShareData{SharerName: "Alice", DocumentTitle: "Plan", Role: "viewer"})
	if err != nil {
		t.Fatalf("SendShareNotification() error = %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "bob@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Alice shared \"Plan\" with you") {
		t.Errorf("missing subject in message:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "From: QuillSync <noreply@example.com>") {
		t.Errorf("missing from header in message:\n%s", gotMsg)
	}
}

func TestSendFailsWhenNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("must not be called")
	}
	if err := svc.SendShareNotification("bob@example.com", ShareData{}); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
}
