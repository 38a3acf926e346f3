package container

import (
	"context"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// ManagedLabel marks every container termflux provisions; a label survives
// renames and is what List/Cleanup filter on.
const ManagedLabel = "termflux.managed"

// NamePrefix prefixes every managed container and volume name, and the
// multiplexer session names derived from session ids.
const NamePrefix = "termflux-"

// Client wraps the Docker SDK client with termflux's hardened container
// operations.
type Client struct {
	cli *client.Client
	log *logrus.Logger
}

// NewClient creates a Docker client. When host is non-empty it overrides
// the environment-derived connection (internal/config.Config.DockerHost).
func NewClient(host string, log *logrus.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cli: cli, log: log}, nil
}

// Ping checks connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

func containerName(workspaceID string) string {
	return NamePrefix + workspaceID
}

func volumeName(workspaceID string) string {
	return NamePrefix + workspaceID + "-home"
}

var _ Driver = (*Client)(nil)
