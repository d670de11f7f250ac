package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/meshcore/internal/session"
	"github.com/developer-mesh/meshcore/internal/testutil"
)

// recordingDeleter records DeleteInstance calls; optionally fails.
type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (d *recordingDeleter) DeleteInstance(_ context.Context, tenantID uuid.UUID, agentID, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, agentID+"/"+instanceID)
	return nil
}

func TestRouter_BindResolveUnbind(t *testing.T) {
	del := &recordingDeleter{}
	r := session.NewRouter(del, 0, testutil.TestLogger())

	tenant := uuid.New()
	id := session.Identity{TenantID: tenant, AgentID: "ide-1", InstanceID: "conn-1"}

	_, err := r.Resolve("h1")
	require.ErrorIs(t, err, session.ErrUnknownSession)

	r.Bind("h1", id)
	got, err := r.Resolve("h1")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, 1, r.Len())

	r.Unbind(context.Background(), "h1")
	_, err = r.Resolve("h1")
	require.ErrorIs(t, err, session.ErrUnknownSession)
	assert.Equal(t, []string{"ide-1/conn-1"}, del.deleted)
}

func TestRouter_UnbindIdempotent(t *testing.T) {
	del := &recordingDeleter{}
	r := session.NewRouter(del, 0, testutil.TestLogger())

	r.Bind("h1", session.Identity{TenantID: uuid.New(), AgentID: "a", InstanceID: "i"})
	r.Unbind(context.Background(), "h1")
	r.Unbind(context.Background(), "h1")
	r.Unbind(context.Background(), "never-bound")

	// Only the first unbind reaches the store.
	assert.Len(t, del.deleted, 1)
}

func TestRouter_UnbindSurvivesStoreFailure(t *testing.T) {
	del := &recordingDeleter{err: fmt.Errorf("store down")}
	r := session.NewRouter(del, 0, testutil.TestLogger())

	r.Bind("h1", session.Identity{TenantID: uuid.New(), AgentID: "a", InstanceID: "i"})
	r.Unbind(context.Background(), "h1")

	// The binding is gone even though the durable delete failed;
	// the reaper covers the leftover row.
	_, err := r.Resolve("h1")
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestRouter_ConcurrentAccess(t *testing.T) {
	del := &recordingDeleter{}
	r := session.NewRouter(del, 0, testutil.TestLogger())
	tenant := uuid.New()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			handle := fmt.Sprintf("h-%d", n)
			id := session.Identity{TenantID: tenant, AgentID: "ide-1", InstanceID: fmt.Sprintf("conn-%d", n)}
			r.Bind(handle, id)
			got, err := r.Resolve(handle)
			assert.NoError(t, err)
			assert.Equal(t, id, got)
			if n%2 == 0 {
				r.Unbind(context.Background(), handle)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Len())
	assert.Len(t, r.Snapshot(), 25)
}

func TestRouter_RebindReplacesIdentity(t *testing.T) {
	del := &recordingDeleter{}
	r := session.NewRouter(del, 0, testutil.TestLogger())
	tenant := uuid.New()

	r.Bind("h1", session.Identity{TenantID: tenant, AgentID: "ide-1", InstanceID: "conn-1"})
	r.Bind("h1", session.Identity{TenantID: tenant, AgentID: "ide-1", InstanceID: "conn-2"})

	got, err := r.Resolve("h1")
	require.NoError(t, err)
	assert.Equal(t, "conn-2", got.InstanceID)
	assert.Equal(t, 1, r.Len())
}
