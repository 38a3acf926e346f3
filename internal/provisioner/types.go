package provisioner

import "time"

// GitIdentity is the VCS identity written to the workspace's global git
// config.
type GitIdentity struct {
	Name  string
	Email string
}

// RepoSpec is one repo-clone entry.
type RepoSpec struct {
	URL    string
	Branch string // optional
	Path   string // relative to /home/dev
}

// Dotfiles configures the two dotfile modes: clone-and-install when
// RepoURL is set, default-symlink otherwise. InlineFiles are materialized
// on top of either mode.
type Dotfiles struct {
	RepoURL       string // if set, cloned to ~/.dotfiles and InstallScript (if any) run
	InstallScript string

	InlineFiles map[string]string // path (relative to $HOME) -> contents, materialized regardless of mode
}

// Config is everything Provision needs for one workspace's first-boot
// sequence.
type Config struct {
	WorkspaceID string
	UserID      string
	OrgID       string
	DisplayName string

	Image     string
	CPUCores  float64
	MemoryMiB int64
	Env       map[string]string

	SSHPrivateKeyPEM string // step 3, optional
	GPGPrivateKey    string // step 4, optional (armored)
	GitIdentity      *GitIdentity

	Dotfiles *Dotfiles  // step 6, optional
	AppIDs   []string   // step 7, optional, looked up via Repo.GetApp
	Repos    []RepoSpec // step 8, optional

	StartupScript string // step 11, optional
}

// Result is what Provision returns on success.
type Result struct {
	WorkspaceID   string
	ContainerID   string
	ContainerName string
	InstalledApps []string
	ClonedRepos   []string
}

// Health is the aggregated view Provisioner.Health reports for one
// workspace.
type Health struct {
	WorkspaceID    string
	Status         string
	CPUPercent     float64
	MemUsed        int64
	MemLimit       int64
	DiskUsedBytes  int64
	DiskTotalBytes int64
	SessionCount   int
	StartedAt      time.Time
	Uptime         time.Duration
}
