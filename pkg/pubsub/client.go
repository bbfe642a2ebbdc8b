package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopics          = errors.New("pubsub topic name is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Client hands out one long-lived publisher per topic. Publishers batch in
// the background, so they must be reused and stopped on Close.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewClient connects to Pub/Sub and checks that every configured topic exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	psClient, err := pubsub.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{
		client:     psClient,
		projectID:  projectID,
		cfg:        cfg,
		publishers: make(map[string]*pubsub.Publisher),
	}
	if err := c.checkTopics(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"project_id": projectID, "topics": topicNames(cfg)}), "pubsub client initialized")
	}
	return c, nil
}

// clientOptions prefers inline credentials, then a key file, then the
// ambient application default credentials.
func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	default:
		return nil
	}
}

func topicNames(cfg config.PubSubConfig) []string {
	var names []string
	for _, name := range []string{cfg.NotificationTopic} {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

func (c *Client) checkTopics(ctx context.Context) error {
	names := topicNames(c.cfg)
	if len(names) == 0 {
		return errNoTopics
	}
	for _, name := range names {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: TopicResourceName(c.projectID, name)})
		switch {
		case status.Code(err) == codes.NotFound:
			return fmt.Errorf("topic %q does not exist", name)
		case err != nil:
			return fmt.Errorf("checking topic %q: %w", name, err)
		}
	}
	return nil
}

// Publisher returns the cached publisher for a topic id or resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := TopicResourceName(c.projectID, name)
	if fullName == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.publishers[fullName]; ok {
		return p
	}
	p := c.client.Publisher(fullName)
	if c.cfg.PublishDelay > 0 {
		p.PublishSettings.DelayThreshold = c.cfg.PublishDelay
	}
	if c.cfg.PublishCountThreshold > 0 {
		p.PublishSettings.CountThreshold = c.cfg.PublishCountThreshold
	}
	c.publishers[fullName] = p
	return p
}

// Ping re-checks the configured topics.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.checkTopics(ctx)
}

// Close flushes every publisher before closing the connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for name, p := range c.publishers {
		p.Stop()
		delete(c.publishers, name)
	}
	c.mu.Unlock()
	return c.client.Close()
}

// TopicResourceName expands a topic id into its full resource name. Names
// that are already fully qualified are returned unchanged.
func TopicResourceName(projectID, name string) string {
	n := strings.TrimSpace(name)
	switch {
	case n == "":
		return ""
	case strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/"):
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return "projects/" + p + "/topics/" + n
}
