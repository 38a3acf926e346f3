package container

import (
	"context"
	"strings"

	"github.com/termflux/termflux/internal/errs"
)

// defaultBashrc gives every workspace a login-style prompt and sane
// history settings.
const defaultBashrc = `export HISTSIZE=10000
export HISTFILESIZE=20000
export PROMPT_DIRTRIM=3
PS1='\u@\h:\w\$ '
`

const defaultGitconfig = `[init]
	defaultBranch = main
`

// defaultMultiplexerConf enables 256-color, mouse support, a large
// scrollback, and 1-based window/pane indexing.
const defaultMultiplexerConf = `set -g default-terminal "screen-256color"
set -g mouse on
set -g history-limit 50000
set -g base-index 1
setw -g pane-base-index 1
`

// InitFilesystem lays out a fresh workspace home: config/ssh/local-bin/
// projects directories, and default dotfiles when absent. Everything runs
// through Exec so it works against a remote daemon.
func (c *Client) InitFilesystem(ctx context.Context, workspaceID string) error {
	mkdirs := []string{
		homeDir + "/.config",
		homeDir + "/.ssh",
		homeDir + "/.local/bin",
		homeDir + "/projects",
	}
	for _, dir := range mkdirs {
		if _, err := c.Exec(ctx, workspaceID, []string{"mkdir", "-p", dir}, ExecOptions{}); err != nil {
			return errs.Backend(err, "mkdir %s", dir)
		}
	}
	if _, err := c.Exec(ctx, workspaceID, []string{"chmod", "700", homeDir + "/.ssh"}, ExecOptions{}); err != nil {
		return errs.Backend(err, "chmod .ssh")
	}

	if err := c.writeIfAbsent(ctx, workspaceID, homeDir+"/.bashrc", defaultBashrc); err != nil {
		return err
	}
	if err := c.writeIfAbsent(ctx, workspaceID, homeDir+"/.gitconfig", defaultGitconfig); err != nil {
		return err
	}
	if err := c.writeIfAbsent(ctx, workspaceID, homeDir+"/.tmux.conf", defaultMultiplexerConf); err != nil {
		return err
	}

	return nil
}

func (c *Client) writeIfAbsent(ctx context.Context, workspaceID, path, contents string) error {
	check, err := c.Exec(ctx, workspaceID, []string{"test", "-f", path}, ExecOptions{})
	if err == nil && check.ExitCode == 0 {
		return nil
	}
	script := "cat > " + shellQuote(path) + " <<'TERMFLUX_EOF'\n" + contents + "TERMFLUX_EOF\n"
	if _, err := c.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, ExecOptions{}); err != nil {
		return errs.Backend(err, "write default %s", path)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
