package secret

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/errs"
	"gotest.tools/v3/assert"
)

// memRepo is an in-memory Repo for tests.
type memRepo struct {
	mu   sync.Mutex
	data map[string]map[string]Envelope
}

func newMemRepo() *memRepo {
	return &memRepo{data: map[string]map[string]Envelope{}}
}

func (r *memRepo) UpsertSecret(ctx context.Context, workspaceID, name string, env Envelope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data[workspaceID] == nil {
		r.data[workspaceID] = map[string]Envelope{}
	}
	r.data[workspaceID][name] = env
	return workspaceID + ":" + name, nil
}

func (r *memRepo) GetSecret(ctx context.Context, workspaceID, name string) (Envelope, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.data[workspaceID][name]
	return env, ok, nil
}

func (r *memRepo) ListSecrets(ctx context.Context, workspaceID string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for name := range r.data[workspaceID] {
		out = append(out, Record{Name: name})
	}
	return out, nil
}

func (r *memRepo) DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[workspaceID][name]; !ok {
		return false, nil
	}
	delete(r.data[workspaceID], name)
	return true, nil
}

func (r *memRepo) AllSecrets(ctx context.Context, workspaceID string) (map[string]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]Envelope{}
	for k, v := range r.data[workspaceID] {
		out[k] = v
	}
	return out, nil
}

func newTestService() *Service {
	return New([]byte("test-master-key-not-for-production"), newMemRepo(), container.NewMock())
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	assert.NilError(t, s.Set(ctx, "ws1", "API_KEY", "s3cret!"))

	v, ok, err := s.Get(ctx, "ws1", "API_KEY")
	assert.NilError(t, err)
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "s3cret!")
}

func TestSetRejectsInvalidName(t *testing.T) {
	s := newTestService()
	err := s.Set(context.Background(), "ws1", "lower_case", "x")
	assert.Assert(t, errs.Is(err, errs.KindValidation))
}

func TestListNeverLeaksPlaintext(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, "ws1", "TOKEN", "super-secret-value"))

	recs, err := s.List(ctx, "ws1")
	assert.NilError(t, err)
	assert.Equal(t, len(recs), 1)
	assert.Equal(t, recs[0].Name, "TOKEN")
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestService()
	ctx := context.Background()
	assert.NilError(t, src.Set(ctx, "ws1", "A", "x"))
	assert.NilError(t, src.Set(ctx, "ws1", "LONG", "has space"))

	text, err := src.ExportEnv(ctx, "ws1")
	assert.NilError(t, err)

	dst := newTestService()
	written, err := dst.ImportEnv(ctx, "ws2", text)
	assert.NilError(t, err)
	assert.Equal(t, len(written), 2)

	v, ok, err := dst.Get(ctx, "ws2", "LONG")
	assert.NilError(t, err)
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "has space")
}

func TestRotatePreservesGetRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, "ws1", "KEY", "value-before-rotate"))

	assert.NilError(t, s.Rotate(ctx, "ws1"))

	v, ok, err := s.Get(ctx, "ws1", "KEY")
	assert.NilError(t, err)
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "value-before-rotate")
}

func TestMaskInText(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, "ws1", "SECRET", "hunter2pass"))

	masked, err := s.MaskInText(ctx, "ws1", "login failed with hunter2pass again")
	assert.NilError(t, err)
	assert.Assert(t, !strings.Contains(masked, "hunter2pass"))
	assert.Assert(t, strings.Contains(masked, "********"))
}

func TestInjectIntoContainerWritesSecretsFile(t *testing.T) {
	s := newTestService()
	mock := s.driver.(*container.Mock)
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, "ws1", "API_KEY", "s3cret!"))

	assert.NilError(t, s.InjectIntoContainer(ctx, "ws1"))
	assert.Equal(t, len(mock.Execs), 2)
}
