package provisioner

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/secret"
)

func testSecretStore(t *testing.T, driver container.Driver) secret.Store {
	t.Helper()
	return secret.New([]byte("test-master-key-0123456789abcdef"), newMemSecretRepo(), driver)
}

// memSecretRepo is a tiny in-memory secret.Repo, local to this test file
// since internal/secret's own tests already cover the envelope logic.
type memSecretRepo struct {
	envs map[string]secret.Envelope
}

func newMemSecretRepo() *memSecretRepo { return &memSecretRepo{envs: map[string]secret.Envelope{}} }

func (m *memSecretRepo) UpsertSecret(ctx context.Context, workspaceID, name string, env secret.Envelope) (string, error) {
	m.envs[workspaceID+"/"+name] = env
	return name, nil
}
func (m *memSecretRepo) GetSecret(ctx context.Context, workspaceID, name string) (secret.Envelope, bool, error) {
	e, ok := m.envs[workspaceID+"/"+name]
	return e, ok, nil
}
func (m *memSecretRepo) ListSecrets(ctx context.Context, workspaceID string) ([]secret.Record, error) {
	return nil, nil
}
func (m *memSecretRepo) DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error) {
	_, ok := m.envs[workspaceID+"/"+name]
	delete(m.envs, workspaceID+"/"+name)
	return ok, nil
}
func (m *memSecretRepo) AllSecrets(ctx context.Context, workspaceID string) (map[string]secret.Envelope, error) {
	out := map[string]secret.Envelope{}
	prefix := workspaceID + "/"
	for k, v := range m.envs {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out, nil
}

func testProvisioner(t *testing.T) (*Provisioner, *container.Mock, *cache.Mock, *MockRepo) {
	t.Helper()
	driver := container.NewMock()
	c := cache.NewMock()
	repo := NewMockRepo()
	secrets := testSecretStore(t, driver)
	log := logrus.New()
	return New(driver, c, secrets, repo, log), driver, c, repo
}

func basicConfig() Config {
	return Config{
		WorkspaceID: "ws1",
		UserID:      "user1",
		DisplayName: "My Workspace",
		Image:       "termflux/base:latest",
		CPUCores:    2,
		MemoryMiB:   2048,
		Env:         map[string]string{"FOO": "bar"},
	}
}

func TestProvisionHappyPathRegistersAndRunsSteps(t *testing.T) {
	p, driver, c, repo := testProvisioner(t)
	repo.PutApp(App{ID: "app1", Name: "ripgrep", InstallScript: "echo installing ripgrep"})

	cfg := basicConfig()
	cfg.GitIdentity = &GitIdentity{Name: "Dev", Email: "dev@example.com"}
	cfg.AppIDs = []string{"app1"}
	cfg.Repos = []RepoSpec{{URL: "https://example.com/repo.git", Branch: "main"}}
	cfg.StartupScript = "echo ready"

	res, err := p.Provision(context.Background(), cfg)
	assert.NilError(t, err)
	assert.Equal(t, res.WorkspaceID, "ws1")
	assert.DeepEqual(t, res.InstalledApps, []string{"app1"})
	assert.DeepEqual(t, res.ClonedRepos, []string{"https://example.com/repo.git"})

	status, ok := driver.Statuses["ws1"]
	assert.Assert(t, ok)
	assert.Equal(t, status, container.StatusRunning)

	wsStatus, ok := repo.Status("ws1")
	assert.Assert(t, ok)
	assert.Equal(t, wsStatus, "running")

	cw, err := c.GetWorkspace(context.Background(), "ws1")
	assert.NilError(t, err)
	assert.Equal(t, cw.Status, "running")

	assert.DeepEqual(t, repo.Installs("ws1"), []string{"app1"})
}

func TestProvisionRollsBackOnAppInstallFailure(t *testing.T) {
	p, driver, _, repo := testProvisioner(t)
	driver.ExecFunc = func(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (container.ExecResult, error) {
		if len(argv) >= 3 && argv[2] == "install-that-fails" {
			return container.ExecResult{}, errors.New("install failed")
		}
		return container.ExecResult{ExitCode: 0}, nil
	}
	repo.PutApp(App{ID: "bad-app", Name: "bad", InstallScript: "install-that-fails"})

	cfg := basicConfig()
	cfg.AppIDs = []string{"bad-app"}

	_, err := p.Provision(context.Background(), cfg)
	assert.ErrorContains(t, err, "install app")

	status, ok := driver.Statuses["ws1"]
	assert.Assert(t, !ok || status != container.StatusRunning)
	assert.DeepEqual(t, repo.Installs("ws1"), []string{})
}

func TestHealthAggregatesAcrossComponents(t *testing.T) {
	p, driver, _, repo := testProvisioner(t)
	driver.Statuses["ws1"] = container.StatusRunning
	driver.StatsFunc = func(ctx context.Context, workspaceID string) (container.Stats, error) {
		return container.Stats{CPUPercent: 12.5, MemUsed: 100, MemLimit: 1000}, nil
	}
	driver.ExecFunc = func(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (container.ExecResult, error) {
		if len(argv) > 0 && argv[0] == "df" {
			out := "Filesystem     1B-blocks      Used Available Use% Mounted on\n" +
				"overlay      10000000000 2500000000 7500000000  25% /home/dev\n"
			return container.ExecResult{Output: []byte(out), ExitCode: 0}, nil
		}
		return container.ExecResult{ExitCode: 0}, nil
	}
	repo.SetActiveSessions("ws1", 3)

	h, err := p.Health(context.Background(), "ws1")
	assert.NilError(t, err)
	assert.Equal(t, h.Status, string(container.StatusRunning))
	assert.Equal(t, h.CPUPercent, 12.5)
	assert.Equal(t, h.SessionCount, 3)
	assert.Equal(t, h.DiskUsedBytes, int64(2500000000))
	assert.Equal(t, h.DiskTotalBytes, int64(10000000000))
}

func TestStopMarksWorkspaceStoppedAndTerminatesSessions(t *testing.T) {
	p, driver, c, repo := testProvisioner(t)
	repo.SetActiveSessions("ws1", 2)

	_, err := p.Provision(context.Background(), basicConfig())
	assert.NilError(t, err)

	assert.NilError(t, p.Stop(context.Background(), "ws1", 10))

	status, ok := driver.Statuses["ws1"]
	assert.Assert(t, ok)
	assert.Equal(t, status, container.StatusStopped)

	wsStatus, _ := repo.Status("ws1")
	assert.Equal(t, wsStatus, "stopped")

	cw, err := c.GetWorkspace(context.Background(), "ws1")
	assert.NilError(t, err)
	assert.Equal(t, cw.Status, "stopped")
	assert.Equal(t, cw.ContainerHandle, "")

	n, err := repo.CountActiveSessions(context.Background(), "ws1")
	assert.NilError(t, err)
	assert.Equal(t, n, 0)
}

func TestHealthReturnsStatusOnlyWhenNotRunning(t *testing.T) {
	p, driver, _, _ := testProvisioner(t)
	driver.Statuses["ws1"] = container.StatusStopped

	h, err := p.Health(context.Background(), "ws1")
	assert.NilError(t, err)
	assert.Equal(t, h.Status, string(container.StatusStopped))
	assert.Equal(t, h.SessionCount, 0)
}
