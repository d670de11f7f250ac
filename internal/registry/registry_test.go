package registry_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/meshcore/internal/model"
	"github.com/developer-mesh/meshcore/internal/registry"
	"github.com/developer-mesh/meshcore/internal/storage"
	"github.com/developer-mesh/meshcore/internal/testutil"
)

var (
	testDB    *storage.DB
	testCoord *registry.Coordinator
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry test: set up DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testCoord = registry.NewCoordinator(testDB, testutil.TestLogger())

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newTenant(t *testing.T) uuid.UUID {
	t.Helper()
	tenant, err := testDB.CreateTenant(context.Background(), uuid.New(), "registry-tenant")
	require.NoError(t, err)
	return tenant.ID
}

func TestRegister_CreatedThenRefreshed(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)

	reg := model.Registration{
		TenantID:   tenantID,
		AgentID:    "worker@prod",
		InstanceID: "conn-1",
		Name:       "Worker",
	}

	first, err := testCoord.Register(ctx, reg)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := testCoord.Register(ctx, reg)
	require.NoError(t, err)
	assert.False(t, second.Created)

	instances, err := testCoord.Instances(ctx, tenantID, "worker@prod")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestRegister_Validation(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)

	tests := []struct {
		name  string
		reg   model.Registration
		field string
	}{
		{
			name:  "missing tenant",
			reg:   model.Registration{AgentID: "a", InstanceID: "i"},
			field: "tenant_id",
		},
		{
			name:  "empty agent id",
			reg:   model.Registration{TenantID: tenantID, InstanceID: "i"},
			field: "agent_id",
		},
		{
			name:  "agent id with spaces",
			reg:   model.Registration{TenantID: tenantID, AgentID: "bad agent", InstanceID: "i"},
			field: "agent_id",
		},
		{
			name:  "agent id too long",
			reg:   model.Registration{TenantID: tenantID, AgentID: strings.Repeat("a", 256), InstanceID: "i"},
			field: "agent_id",
		},
		{
			name:  "empty instance id",
			reg:   model.Registration{TenantID: tenantID, AgentID: "a"},
			field: "instance_id",
		},
		{
			name:  "instance id with control char",
			reg:   model.Registration{TenantID: tenantID, AgentID: "a", InstanceID: "conn\n1"},
			field: "instance_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testCoord.Register(ctx, tt.reg)
			var verr *registry.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegister_UnknownTenant(t *testing.T) {
	_, err := testCoord.Register(context.Background(), model.Registration{
		TenantID:   uuid.New(),
		AgentID:    "orphan",
		InstanceID: "conn-1",
	})
	require.ErrorIs(t, err, storage.ErrTenantNotFound)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)

	_, err := testCoord.Register(ctx, model.Registration{
		TenantID:   tenantID,
		AgentID:    "beater",
		InstanceID: "conn-1",
	})
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE agent_instances SET last_seen = now() - interval '1 hour'
		 WHERE tenant_id = $1 AND agent_id = 'beater'`, tenantID)
	require.NoError(t, err)

	require.NoError(t, testCoord.Heartbeat(ctx, tenantID, "beater", "conn-1"))

	inst, err := testDB.GetInstance(ctx, tenantID, "beater", "conn-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), inst.LastSeen, time.Minute)
}

func TestReaper_SweepsStaleKeepsFresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tenantID := newTenant(t)

	for _, instanceID := range []string{"stale-conn", "fresh-conn"} {
		_, err := testCoord.Register(ctx, model.Registration{
			TenantID:   tenantID,
			AgentID:    "reaped",
			InstanceID: instanceID,
		})
		require.NoError(t, err)
	}

	_, err := testDB.Pool().Exec(ctx,
		`UPDATE agent_instances SET last_seen = now() - interval '1 hour'
		 WHERE tenant_id = $1 AND instance_id = 'stale-conn'`, tenantID)
	require.NoError(t, err)

	reaper := registry.NewReaper(testDB, 20*time.Millisecond, 5*time.Minute, testutil.TestLogger())
	go reaper.Run(ctx)

	require.Eventually(t, func() bool {
		instances, err := testCoord.Instances(ctx, tenantID, "reaped")
		return err == nil && len(instances) == 1
	}, 5*time.Second, 50*time.Millisecond, "reaper should remove the stale instance")

	instances, err := testCoord.Instances(ctx, tenantID, "reaped")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "fresh-conn", instances[0].InstanceID)
}
