package pubsub

import (
	"context"
	"testing"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project, name, want string
	}{
		{"proj", "notifications", "projects/proj/topics/notifications"},
		{"proj", " notifications ", "projects/proj/topics/notifications"},
		{"proj", "projects/other/topics/t", "projects/other/topics/t"},
		{"", "notifications", ""},
		{"proj", "", ""},
	}
	for _, tc := range cases {
		if got := TopicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("TopicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestTopicNamesSkipsBlank(t *testing.T) {
	if names := topicNames(config.PubSubConfig{NotificationTopic: "  "}); len(names) != 0 {
		t.Fatalf("expected no topics, got %v", names)
	}
	names := topicNames(config.PubSubConfig{NotificationTopic: "sl-ledger-notifications"})
	if len(names) != 1 || names[0] != "sl-ledger-notifications" {
		t.Fatalf("unexpected topics %v", names)
	}
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{}, config.PubSubConfig{NotificationTopic: "t"}, nil)
	if err != errProjectIDRequired {
		t.Fatalf("expected project id error, got %v", err)
	}
}

func TestNilClientHandles(t *testing.T) {
	var c *Client
	if c.Publisher("t") != nil {
		t.Fatal("expected nil publisher")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestClientOptionsPreferInlineCredentials(t *testing.T) {
	if opts := clientOptions(config.GCPConfig{}); len(opts) != 0 {
		t.Fatalf("expected ambient credentials, got %d options", len(opts))
	}
	if opts := clientOptions(config.GCPConfig{CredentialsJSON: `{"type":"service_account"}`, ApplicationCredentials: "/tmp/key.json"}); len(opts) != 1 {
		t.Fatalf("expected a single credentials option, got %d", len(opts))
	}
	if opts := clientOptions(config.GCPConfig{ApplicationCredentials: "/tmp/key.json"}); len(opts) != 1 {
		t.Fatalf("expected key file option, got %d", len(opts))
	}
}
