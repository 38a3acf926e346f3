// Package provisioner runs a workspace's fixed first-boot sequence and
// aggregates its health. Any failure after the container exists rolls back
// by force-removing it while keeping the volume, so a retry can pick up
// where it left off.
package provisioner

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/metrics"
	"github.com/termflux/termflux/internal/secret"
)

const homeDir = "/home/dev"

// App is an app-catalog entry, the provisioner's own narrow view of
// internal/records.App.
type App struct {
	ID            string
	Name          string
	InstallScript string
}

// Repo is the persistence boundary the provisioner needs: workspace
// registration, app catalog lookups, install bookkeeping, and session
// teardown on workspace stop.
type Repo interface {
	InsertWorkspace(ctx context.Context, id, displayName, userID, orgID string, cpuCores float64, memoryMiB, diskMiB int64, env map[string]string) error
	UpdateWorkspaceStatus(ctx context.Context, id, status, containerHandle string) error
	GetApp(ctx context.Context, appID string) (App, error)
	RecordAppInstall(ctx context.Context, workspaceID, appID string) error
	CountActiveSessions(ctx context.Context, workspaceID string) (int, error)
	TerminateWorkspaceSessions(ctx context.Context, workspaceID string) (int, error)
}

// Provisioner runs the first-boot sequence and the health aggregation.
type Provisioner struct {
	driver  container.Driver
	cache   cache.Cache
	secrets secret.Store
	repo    Repo
	log     *logrus.Logger
}

func New(driver container.Driver, c cache.Cache, secrets secret.Store, repo Repo, log *logrus.Logger) *Provisioner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Provisioner{driver: driver, cache: c, secrets: secrets, repo: repo, log: log}
}

// Provision runs the fixed first-boot step sequence. Any failure from
// step 2 onward force-removes the container (volume kept) before
// returning.
func (p *Provisioner) Provision(ctx context.Context, cfg Config) (*Result, error) {
	log := p.log.WithField("workspace_id", cfg.WorkspaceID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProvisionDuration)

	// Step 1: provision + initial filesystem layout.
	handle, err := p.driver.Provision(ctx, container.ProvisionConfig{
		WorkspaceID: cfg.WorkspaceID,
		UserID:      cfg.UserID,
		Image:       cfg.Image,
		CPUCores:    cfg.CPUCores,
		MemoryMiB:   cfg.MemoryMiB,
		Env:         cfg.Env,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindBackend, "provision container", err)
	}
	if err := p.driver.InitFilesystem(ctx, cfg.WorkspaceID); err != nil {
		return nil, p.rollback(ctx, cfg.WorkspaceID, errs.Wrap(errs.KindBackend, "init filesystem", err))
	}

	result := &Result{WorkspaceID: cfg.WorkspaceID, ContainerID: handle.ContainerID, ContainerName: handle.Name}

	// Step 2: register in the cache and relational store as running.
	if err := p.register(ctx, cfg, handle); err != nil {
		return nil, p.rollback(ctx, cfg.WorkspaceID, err)
	}

	// Step 3: SSH key install.
	if cfg.SSHPrivateKeyPEM != "" {
		if err := p.installSSHKey(ctx, cfg.WorkspaceID, cfg.SSHPrivateKeyPEM); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, err)
		}
	}

	// Step 4: GPG key import.
	if cfg.GPGPrivateKey != "" {
		if err := p.importGPGKey(ctx, cfg.WorkspaceID, cfg.GPGPrivateKey); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, err)
		}
	}

	// Step 5: VCS identity.
	if cfg.GitIdentity != nil {
		if err := p.setGitIdentity(ctx, cfg.WorkspaceID, *cfg.GitIdentity); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, err)
		}
	}

	// Step 6: dotfiles.
	if cfg.Dotfiles != nil {
		if err := p.installDotfiles(ctx, cfg.WorkspaceID, *cfg.Dotfiles); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, err)
		}
	}

	// Step 7: app installs.
	for _, appID := range cfg.AppIDs {
		if err := p.installApp(ctx, cfg.WorkspaceID, appID); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, err)
		}
		result.InstalledApps = append(result.InstalledApps, appID)
	}

	// Step 8: repo clones.
	for _, r := range cfg.Repos {
		if err := p.cloneRepo(ctx, cfg.WorkspaceID, r); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, err)
		}
		result.ClonedRepos = append(result.ClonedRepos, r.URL)
	}

	// Step 9: secret injection.
	if err := p.secrets.InjectIntoContainer(ctx, cfg.WorkspaceID); err != nil {
		return nil, p.rollback(ctx, cfg.WorkspaceID, errs.Wrap(errs.KindBackend, "inject secrets", err))
	}

	// Step 10: per-workspace env file.
	if err := p.writeEnvFile(ctx, cfg.WorkspaceID, cfg.Env); err != nil {
		return nil, p.rollback(ctx, cfg.WorkspaceID, err)
	}

	// Step 11: optional startup script.
	if cfg.StartupScript != "" {
		if _, err := p.driver.Exec(ctx, cfg.WorkspaceID, []string{"/bin/sh", "-c", cfg.StartupScript}, container.ExecOptions{}); err != nil {
			return nil, p.rollback(ctx, cfg.WorkspaceID, errs.Wrap(errs.KindBackend, "run startup script", err))
		}
	}

	log.Info("provisioner: workspace provisioned")
	return result, nil
}

// rollback force-removes the container (keeping its volume) and returns
// the original error.
func (p *Provisioner) rollback(ctx context.Context, workspaceID string, cause error) error {
	p.log.WithField("workspace_id", workspaceID).WithError(cause).Warn("provisioner: rolling back failed provision")
	if err := p.driver.Remove(ctx, workspaceID, false); err != nil {
		p.log.WithField("workspace_id", workspaceID).WithError(err).Error("provisioner: rollback remove failed")
	}
	return cause
}

func (p *Provisioner) register(ctx context.Context, cfg Config, handle container.Handle) error {
	if err := p.repo.InsertWorkspace(ctx, cfg.WorkspaceID, cfg.DisplayName, cfg.UserID, cfg.OrgID, cfg.CPUCores, cfg.MemoryMiB, 0, cfg.Env); err != nil {
		return errs.Wrap(errs.KindBackend, "register workspace in relational store", err)
	}
	if err := p.repo.UpdateWorkspaceStatus(ctx, cfg.WorkspaceID, "running", handle.ContainerID); err != nil {
		return errs.Wrap(errs.KindBackend, "mark workspace running", err)
	}
	if err := p.cache.SetWorkspace(ctx, cache.CacheWorkspace{
		ID:              cfg.WorkspaceID,
		UserID:          cfg.UserID,
		Status:          "running",
		ContainerHandle: handle.ContainerID,
	}); err != nil {
		return errs.Wrap(errs.KindBackend, "register workspace in cache", err)
	}
	return nil
}

func (p *Provisioner) installSSHKey(ctx context.Context, workspaceID, pem string) error {
	script := "umask 077 && cat > " + homeDir + "/.ssh/id_ed25519 <<'TERMFLUX_SSH_EOF'\n" + pem +
		"\nTERMFLUX_SSH_EOF\nchmod 600 " + homeDir + "/.ssh/id_ed25519\n" +
		"cat >> " + homeDir + "/.ssh/config <<'TERMFLUX_SSHCFG_EOF'\n" + defaultSSHConfig + "TERMFLUX_SSHCFG_EOF\n"
	if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{}); err != nil {
		return errs.Wrap(errs.KindBackend, "install ssh key", err)
	}
	return nil
}

const defaultSSHConfig = `Host github.com
	IdentityFile ~/.ssh/id_ed25519
	StrictHostKeyChecking accept-new
Host gitlab.com
	IdentityFile ~/.ssh/id_ed25519
	StrictHostKeyChecking accept-new
Host bitbucket.org
	IdentityFile ~/.ssh/id_ed25519
	StrictHostKeyChecking accept-new
`

func (p *Provisioner) importGPGKey(ctx context.Context, workspaceID, armoredKey string) error {
	script := "gpg --batch --import <<'TERMFLUX_GPG_EOF'\n" + armoredKey + "\nTERMFLUX_GPG_EOF\n"
	res, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{})
	if err != nil || res.ExitCode != 0 {
		return errs.Wrap(errs.KindBackend, "import gpg key", err)
	}
	keyIDRes, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c",
		"gpg --list-secret-keys --with-colons | awk -F: '/^sec/ {print $5; exit}'"}, container.ExecOptions{})
	if err != nil {
		return errs.Wrap(errs.KindBackend, "read imported gpg key id", err)
	}
	keyID := strings.TrimSpace(string(keyIDRes.Output))
	if keyID == "" {
		return nil
	}
	cfgScript := "git config --global user.signingkey " + keyID + " && git config --global commit.gpgsign true"
	if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", cfgScript}, container.ExecOptions{}); err != nil {
		return errs.Wrap(errs.KindBackend, "enable commit signing", err)
	}
	return nil
}

func (p *Provisioner) setGitIdentity(ctx context.Context, workspaceID string, id GitIdentity) error {
	script := fmt.Sprintf("git config --global user.name %s && git config --global user.email %s",
		shQuote(id.Name), shQuote(id.Email))
	if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{}); err != nil {
		return errs.Wrap(errs.KindBackend, "set git identity", err)
	}
	return nil
}

func (p *Provisioner) installDotfiles(ctx context.Context, workspaceID string, d Dotfiles) error {
	if d.RepoURL != "" {
		cloneScript := "git clone " + shQuote(d.RepoURL) + " " + homeDir + "/.dotfiles"
		if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", cloneScript}, container.ExecOptions{}); err != nil {
			return errs.Wrap(errs.KindBackend, "clone dotfiles repo", err)
		}
		if d.InstallScript != "" {
			if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", "cd " + homeDir + "/.dotfiles && " + d.InstallScript}, container.ExecOptions{}); err != nil {
				return errs.Wrap(errs.KindBackend, "run dotfiles install script", err)
			}
		}
	} else {
		for _, name := range []string{".bashrc", ".zshrc", ".vimrc", ".tmux.conf", ".gitconfig"} {
			script := "test -f " + homeDir + "/.dotfiles/" + name + " && ln -sf " + homeDir + "/.dotfiles/" + name + " " + homeDir + "/" + name + " || true"
			if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{}); err != nil {
				return errs.Wrap(errs.KindBackend, "symlink dotfile "+name, err)
			}
		}
	}

	for path, contents := range d.InlineFiles {
		script := "cat > " + homeDir + "/" + shQuote(path) + " <<'TERMFLUX_DOTFILE_EOF'\n" + contents + "\nTERMFLUX_DOTFILE_EOF\n"
		if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{}); err != nil {
			return errs.Wrap(errs.KindBackend, "materialize dotfile "+path, err)
		}
	}
	return nil
}

func (p *Provisioner) installApp(ctx context.Context, workspaceID, appID string) error {
	app, err := p.repo.GetApp(ctx, appID)
	if err != nil {
		return errs.Wrap(errs.KindBackend, "look up app "+appID, err)
	}
	if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", app.InstallScript}, container.ExecOptions{}); err != nil {
		return errs.Wrap(errs.KindBackend, "install app "+app.Name, err)
	}
	if err := p.repo.RecordAppInstall(ctx, workspaceID, appID); err != nil {
		return errs.Wrap(errs.KindBackend, "record app install "+appID, err)
	}
	return nil
}

func (p *Provisioner) cloneRepo(ctx context.Context, workspaceID string, r RepoSpec) error {
	argv := []string{"git", "clone"}
	if r.Branch != "" {
		argv = append(argv, "-b", r.Branch)
	}
	path := r.Path
	if path == "" {
		path = "projects/" + repoDirName(r.URL)
	}
	argv = append(argv, r.URL, homeDir+"/"+path)
	if _, err := p.driver.Exec(ctx, workspaceID, argv, container.ExecOptions{}); err != nil {
		return errs.Wrap(errs.KindBackend, "clone repo "+r.URL, err)
	}
	return nil
}

func repoDirName(url string) string {
	name := url
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

func (p *Provisioner) writeEnvFile(ctx context.Context, workspaceID string, env map[string]string) error {
	var body strings.Builder
	for k, v := range env {
		body.WriteString("export ")
		body.WriteString(k)
		body.WriteString("='")
		body.WriteString(strings.ReplaceAll(v, "'", `'\''`))
		body.WriteString("'\n")
	}
	script := "umask 077 && cat > " + homeDir + "/.termflux_env <<'TERMFLUX_ENV_EOF'\n" + body.String() + "TERMFLUX_ENV_EOF\n" +
		"chmod 600 " + homeDir + "/.termflux_env\n" +
		"grep -qF '# termflux:env' " + homeDir + "/.bashrc 2>/dev/null || printf '\\n# termflux:env\\n[ -f " + homeDir + "/.termflux_env ] && source " + homeDir + "/.termflux_env\\n' >> " + homeDir + "/.bashrc"
	if _, err := p.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{}); err != nil {
		return errs.Wrap(errs.KindBackend, "write workspace env file", err)
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Stop stops a workspace's container and marks it stopped everywhere:
// the row and the cache flip to stopped with no container handle, and
// every live session of the workspace is terminated with a close time.
// The volume is untouched so the workspace can be restarted.
func (p *Provisioner) Stop(ctx context.Context, workspaceID string, graceSec int) error {
	if err := p.driver.Stop(ctx, workspaceID, graceSec); err != nil {
		return errs.Wrap(errs.KindBackend, "stop container", err)
	}
	if err := p.repo.UpdateWorkspaceStatus(ctx, workspaceID, "stopped", ""); err != nil {
		return err
	}
	if cw, err := p.cache.GetWorkspace(ctx, workspaceID); err == nil && cw != nil {
		cw.Status = "stopped"
		cw.ContainerHandle = ""
		if err := p.cache.SetWorkspace(ctx, *cw); err != nil {
			p.log.WithField("workspace_id", workspaceID).WithError(err).Warn("provisioner: mark cache workspace stopped failed")
		}
	}
	n, err := p.repo.TerminateWorkspaceSessions(ctx, workspaceID)
	if err != nil {
		return err
	}
	p.log.WithField("workspace_id", workspaceID).WithField("sessions_terminated", n).Info("provisioner: workspace stopped")
	return nil
}

// Remove tears a workspace down completely, optionally deleting its
// volume. Sessions are terminated the same way Stop terminates them, and
// the row and the cache record flip to stopped with no container handle.
func (p *Provisioner) Remove(ctx context.Context, workspaceID string, removeVolume bool) error {
	if _, err := p.repo.TerminateWorkspaceSessions(ctx, workspaceID); err != nil {
		p.log.WithField("workspace_id", workspaceID).WithError(err).Warn("provisioner: terminate sessions failed")
	}
	if err := p.driver.Remove(ctx, workspaceID, removeVolume); err != nil {
		return errs.Wrap(errs.KindBackend, "remove container", err)
	}
	if cw, err := p.cache.GetWorkspace(ctx, workspaceID); err == nil && cw != nil {
		cw.Status = "stopped"
		cw.ContainerHandle = ""
		if err := p.cache.SetWorkspace(ctx, *cw); err != nil {
			p.log.WithField("workspace_id", workspaceID).WithError(err).Warn("provisioner: mark cache workspace stopped failed")
		}
	}
	return p.repo.UpdateWorkspaceStatus(ctx, workspaceID, "stopped", "")
}

// Health aggregates container status, resource stats, disk usage, active
// session count, and uptime for one workspace. Stats and disk probes are
// best-effort once the container is known to be running.
func (p *Provisioner) Health(ctx context.Context, workspaceID string) (*Health, error) {
	status, err := p.driver.Status(ctx, workspaceID)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackend, "health: status", err)
	}
	h := &Health{WorkspaceID: workspaceID, Status: string(status)}
	if status != container.StatusRunning {
		return h, nil
	}

	stats, err := p.driver.Stats(ctx, workspaceID)
	if err == nil {
		h.CPUPercent = stats.CPUPercent
		h.MemUsed = stats.MemUsed
		h.MemLimit = stats.MemLimit
	}

	if res, err := p.driver.Exec(ctx, workspaceID, []string{"df", "-B1", homeDir}, container.ExecOptions{}); err == nil {
		used, total, perr := parseDfOutput(string(res.Output))
		if perr == nil {
			h.DiskUsedBytes = used
			h.DiskTotalBytes = total
		}
	}

	if n, err := p.repo.CountActiveSessions(ctx, workspaceID); err == nil {
		h.SessionCount = n
	}

	if started, err := p.driver.StartedAt(ctx, workspaceID); err == nil && !started.IsZero() {
		h.StartedAt = started
		h.Uptime = time.Since(started)
	}

	return h, nil
}

// parseDfOutput parses `df -B1`'s second (data) line: filesystem, 1-block
// size, used, available, use%, mounted-on.
func parseDfOutput(out string) (used, total int64, err error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo != 2 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			return 0, 0, errs.Validation("unexpected df output: %q", out)
		}
		total, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		used, err = strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		return used, total, nil
	}
	return 0, 0, errs.Validation("df output had no data line")
}
