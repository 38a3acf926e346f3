// Package secret stores envelope-encrypted per-workspace secrets and
// injects them into a workspace as a sourced shell file. Plaintext is
// never persisted; each write gets a fresh salt and nonce.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/errs"
	"golang.org/x/crypto/pbkdf2"
)

var nameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

const (
	algID      = "aes-256-gcm-pbkdf2"
	kdfIters   = 100000
	saltLen    = 16
	nonceLen   = 12
	secretsRel = "/home/dev/.termflux_secrets"
	bashrcRel  = "/home/dev/.bashrc"
	sentinel   = "# termflux:secrets"
)

// Record is the non-plaintext view of a stored secret, as returned by
// List.
type Record struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the secret store's public interface.
type Store interface {
	Set(ctx context.Context, workspaceID, name, value string) error
	Get(ctx context.Context, workspaceID, name string) (string, bool, error)
	List(ctx context.Context, workspaceID string) ([]Record, error)
	Delete(ctx context.Context, workspaceID, name string) (bool, error)
	ImportEnv(ctx context.Context, workspaceID, envFileText string) ([]string, error)
	ExportEnv(ctx context.Context, workspaceID string) (string, error)
	InjectIntoContainer(ctx context.Context, workspaceID string) error
	Rotate(ctx context.Context, workspaceID string) error
	MaskInText(ctx context.Context, workspaceID, text string) (string, error)
}

// Repo is the persistence boundary for envelopes: the records layer owns
// the actual rows, this package only produces and consumes the envelope
// shape.
type Repo interface {
	UpsertSecret(ctx context.Context, workspaceID, name string, env Envelope) (id string, err error)
	GetSecret(ctx context.Context, workspaceID, name string) (Envelope, bool, error)
	ListSecrets(ctx context.Context, workspaceID string) ([]Record, error)
	DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error)
	AllSecrets(ctx context.Context, workspaceID string) (map[string]Envelope, error)
}

// Envelope is the storage shape of one encrypted secret, exported for
// Repo implementations.
type Envelope struct {
	AlgID    string
	SaltB64  string
	NonceB64 string
	CTB64    string
}

// Service implements Store over a master key and a Repo; the container
// driver is used only by InjectIntoContainer.
type Service struct {
	masterKey []byte
	repo      Repo
	driver    container.Driver
}

func New(masterKey []byte, repo Repo, driver container.Driver) *Service {
	return &Service{masterKey: masterKey, repo: repo, driver: driver}
}

func validateName(name string) error {
	if !nameRe.MatchString(name) {
		return errs.Validation("secret name %q must match ^[A-Z_][A-Z0-9_]*$", name)
	}
	return nil
}

func (s *Service) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(s.masterKey, salt, kdfIters, 32, sha256.New)
}

func (s *Service) seal(plaintext string) (Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, errs.Backend(err, "generate salt")
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, errs.Backend(err, "generate nonce")
	}

	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return Envelope{}, errs.Backend(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, errs.Backend(err, "new gcm")
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return Envelope{
		AlgID:    algID,
		SaltB64:  base64.StdEncoding.EncodeToString(salt),
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CTB64:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func (s *Service) open(env Envelope) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return "", errs.Backend(err, "decode salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return "", errs.Backend(err, "decode nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return "", errs.Backend(err, "decode ciphertext")
	}

	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return "", errs.Backend(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errs.Backend(err, "new gcm")
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errs.Backend(err, "decrypt secret: corrupted or tampered envelope")
	}
	return string(pt), nil
}

// Set upserts a secret by (workspaceID, name) after validating the name.
func (s *Service) Set(ctx context.Context, workspaceID, name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	env, err := s.seal(value)
	if err != nil {
		return err
	}
	_, err = s.repo.UpsertSecret(ctx, workspaceID, name, env)
	return err
}

// Get decrypts and returns one secret's plaintext, or ok=false if absent.
func (s *Service) Get(ctx context.Context, workspaceID, name string) (string, bool, error) {
	env, ok, err := s.repo.GetSecret(ctx, workspaceID, name)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	pt, err := s.open(env)
	if err != nil {
		return "", false, err
	}
	return pt, true, nil
}

// List returns every secret's metadata, never its plaintext.
func (s *Service) List(ctx context.Context, workspaceID string) ([]Record, error) {
	return s.repo.ListSecrets(ctx, workspaceID)
}

// Delete removes a secret by name, reporting whether it existed.
func (s *Service) Delete(ctx context.Context, workspaceID, name string) (bool, error) {
	return s.repo.DeleteSecret(ctx, workspaceID, name)
}

// ImportEnv parses KEY=VALUE lines, stripping one layer of matched quotes,
// skipping blanks and comments, and rejecting malformed names.
func (s *Service) ImportEnv(ctx context.Context, workspaceID, envFileText string) ([]string, error) {
	var written []string
	for _, line := range strings.Split(envFileText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.IndexByte(trimmed, '=')
		if eq < 0 {
			continue
		}
		name := strings.TrimSpace(trimmed[:eq])
		value := unquoteOnce(strings.TrimSpace(trimmed[eq+1:]))
		if err := validateName(name); err != nil {
			return written, err
		}
		if err := s.Set(ctx, workspaceID, name, value); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}

func unquoteOnce(v string) string {
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

var shellSpecial = regexp.MustCompile(`[\s"'$` + "`" + `\\]`)

// ExportEnv renders every secret as KEY=VALUE, double-quoting values that
// contain whitespace or shell metacharacters.
func (s *Service) ExportEnv(ctx context.Context, workspaceID string) (string, error) {
	envs, err := s.repo.AllSecrets(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for name, env := range envs {
		pt, err := s.open(env)
		if err != nil {
			return "", err
		}
		b.WriteString(name)
		b.WriteByte('=')
		if shellSpecial.MatchString(pt) {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(pt, `"`, `\"`))
			b.WriteByte('"')
		} else {
			b.WriteString(pt)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Rotate decrypts every secret with its current envelope and re-encrypts
// with a fresh salt and nonce; plaintext never leaves process memory.
func (s *Service) Rotate(ctx context.Context, workspaceID string) error {
	envs, err := s.repo.AllSecrets(ctx, workspaceID)
	if err != nil {
		return err
	}
	for name, env := range envs {
		pt, err := s.open(env)
		if err != nil {
			return errs.Wrap(errs.KindBackend, "rotate: secret "+name+" undecryptable", err)
		}
		fresh, err := s.seal(pt)
		if err != nil {
			return err
		}
		if _, err := s.repo.UpsertSecret(ctx, workspaceID, name, fresh); err != nil {
			return err
		}
	}
	return nil
}

// MaskInText replaces every literal occurrence of a secret's plaintext
// (length >= 4) with asterisks.
func (s *Service) MaskInText(ctx context.Context, workspaceID, text string) (string, error) {
	envs, err := s.repo.AllSecrets(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	for _, env := range envs {
		pt, err := s.open(env)
		if err != nil {
			continue
		}
		if len(pt) >= 4 {
			text = strings.ReplaceAll(text, pt, "********")
		}
	}
	return text, nil
}

// InjectIntoContainer writes /home/dev/.termflux_secrets with one export
// per secret (single-quote-escaped) and idempotently sources it from
// .bashrc behind a sentinel comment, so subsequent interactive shells
// pick the secrets up.
func (s *Service) InjectIntoContainer(ctx context.Context, workspaceID string) error {
	envs, err := s.repo.AllSecrets(ctx, workspaceID)
	if err != nil {
		return err
	}

	var body strings.Builder
	for name, env := range envs {
		pt, err := s.open(env)
		if err != nil {
			return err
		}
		body.WriteString("export ")
		body.WriteString(name)
		body.WriteString("='")
		body.WriteString(strings.ReplaceAll(pt, "'", `'\''`))
		body.WriteString("'\n")
	}

	script := "umask 077 && cat > " + secretsRel + " <<'TERMFLUX_SECRETS_EOF'\n" + body.String() + "TERMFLUX_SECRETS_EOF\nchmod 600 " + secretsRel
	if _, err := s.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", script}, container.ExecOptions{}); err != nil {
		return errs.Backend(err, "write secrets file")
	}

	guardLine := "[ -f " + secretsRel + " ] && source " + secretsRel
	appendScript := "grep -qF " + shQuote(sentinel) + " " + bashrcRel + " 2>/dev/null || printf '\\n%s\\n%s\\n' " +
		shQuote(sentinel) + " " + shQuote(guardLine) + " >> " + bashrcRel
	if _, err := s.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", appendScript}, container.ExecOptions{}); err != nil {
		return errs.Backend(err, "append bashrc sentinel")
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Store = (*Service)(nil)
