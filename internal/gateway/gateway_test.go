package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/meshcore/internal/gateway"
	"github.com/developer-mesh/meshcore/internal/model"
	"github.com/developer-mesh/meshcore/internal/session"
	"github.com/developer-mesh/meshcore/internal/storage"
	"github.com/developer-mesh/meshcore/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway test: set up DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// fakeProvider counts invocations and returns a canned payload or error.
// gate, when non-nil, blocks every invocation until it is closed.
type fakeProvider struct {
	mu        sync.Mutex
	calls     int64
	err       error
	gate      chan struct{}
	refreshed []string
}

func (p *fakeProvider) Invoke(ctx context.Context, toolID, action string, params map[string]any) (json.RawMessage, error) {
	atomic.AddInt64(&p.calls, 1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"tool":%q,"action":%q}`, toolID, action)), nil
}

func (p *fakeProvider) RefreshManifest(ctx context.Context, toolID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, toolID)
	return nil
}

func (p *fakeProvider) callCount() int64 { return atomic.LoadInt64(&p.calls) }

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func newTenant(t *testing.T) uuid.UUID {
	t.Helper()
	tenant, err := testDB.CreateTenant(context.Background(), uuid.New(), "gateway-tenant")
	require.NoError(t, err)
	return tenant.ID
}

func newGateway(t *testing.T, provider gateway.Provider, opts gateway.Options) (*gateway.Gateway, *session.Router) {
	t.Helper()
	router := session.NewRouter(testDB, time.Second, testutil.TestLogger())
	return gateway.New(testDB, router, provider, opts, testutil.TestLogger()), router
}

func TestExecute_MissThenHit(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{}
	gw, _ := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour})

	params := map[string]any{"repo": "meshcore", "state": "open"}

	first, err := gw.ExecuteForTenant(ctx, tenantID, "github", "list_issues", params, 0)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.NotEmpty(t, first.Fingerprint)
	assert.Equal(t, int64(1), provider.callCount())

	second, err := gw.ExecuteForTenant(ctx, tenantID, "github", "list_issues", params, 0)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, int64(1), second.HitCount)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, int64(1), provider.callCount(), "hit must not reach the provider")

	third, err := gw.ExecuteForTenant(ctx, tenantID, "github", "list_issues", params, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), third.HitCount)
}

func TestExecute_ParamChangeIsMiss(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{}
	gw, _ := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour})

	_, err := gw.ExecuteForTenant(ctx, tenantID, "github", "list_issues", map[string]any{"state": "open"}, 0)
	require.NoError(t, err)

	res, err := gw.ExecuteForTenant(ctx, tenantID, "github", "list_issues", map[string]any{"state": "closed"}, 0)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(2), provider.callCount())
}

func TestExecute_TenantsDoNotShareCache(t *testing.T) {
	ctx := context.Background()
	tenantA := newTenant(t)
	tenantB := newTenant(t)
	provider := &fakeProvider{}
	gw, _ := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour})

	params := map[string]any{"q": "shared"}
	_, err := gw.ExecuteForTenant(ctx, tenantA, "github", "search", params, 0)
	require.NoError(t, err)

	res, err := gw.ExecuteForTenant(ctx, tenantB, "github", "search", params, 0)
	require.NoError(t, err)
	assert.False(t, res.FromCache, "tenant B must not see tenant A's cache")
	assert.Equal(t, int64(2), provider.callCount())
}

func TestExecute_ProviderErrorNotCached(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{}
	provider.setErr(errors.New("upstream 500"))
	gw, _ := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour})

	params := map[string]any{"id": 42}
	_, err := gw.ExecuteForTenant(ctx, tenantID, "jira", "get_ticket", params, 0)
	var perr *gateway.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "jira", perr.ToolID)

	// Once the provider recovers, the same invocation reaches it again —
	// the failure was not stored.
	provider.setErr(nil)
	res, err := gw.ExecuteForTenant(ctx, tenantID, "jira", "get_ticket", params, 0)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(2), provider.callCount())
}

func TestExecute_TTLExpiryRefetches(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{}
	gw, _ := newGateway(t, provider, gateway.Options{})

	params := map[string]any{"k": "v"}
	_, err := gw.ExecuteForTenant(ctx, tenantID, "github", "get", params, 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	res, err := gw.ExecuteForTenant(ctx, tenantID, "github", "get", params, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.FromCache, "expired entry reads as a miss")
	assert.Equal(t, int64(2), provider.callCount())
}

func TestExecute_ViaSessionHandle(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{}
	gw, router := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour})

	router.Bind("handle-1", session.Identity{
		TenantID:   tenantID,
		AgentID:    "caller",
		InstanceID: "conn-1",
	})

	res, err := gw.Execute(ctx, "handle-1", "github", "get", nil, 0)
	require.NoError(t, err)
	assert.False(t, res.FromCache)

	_, err = gw.Execute(ctx, "no-such-handle", "github", "get", nil, 0)
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestExecute_RequiresToolAndAction(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	gw, _ := newGateway(t, &fakeProvider{}, gateway.Options{})

	// Both are client errors, not internal ones: the typed error is what
	// the transport maps to a 400.
	var verr *model.ValidationError
	_, err := gw.ExecuteForTenant(ctx, tenantID, "", "get", nil, 0)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tool_id", verr.Field)

	_, err = gw.ExecuteForTenant(ctx, tenantID, "github", "", nil, 0)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "action", verr.Field)

	_, err = gw.InvalidateCache(ctx, tenantID, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tool_id", verr.Field)
}

func TestExecute_CollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{gate: make(chan struct{})}
	gw, _ := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour, CollapseInflight: true})

	params := map[string]any{"burst": true}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]gateway.Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = gw.ExecuteForTenant(ctx, tenantID, "github", "stampede", params, 0)
		}(i)
	}

	// Let every caller miss the cache and join the in-flight call, then
	// release the provider.
	time.Sleep(200 * time.Millisecond)
	close(provider.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, string(results[0].Payload), string(results[i].Payload))
	}
	assert.Equal(t, int64(1), provider.callCount(), "concurrent misses collapse into one provider call")
}

func TestInvalidateCache(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t)
	provider := &fakeProvider{}
	gw, _ := newGateway(t, provider, gateway.Options{DefaultTTL: time.Hour})

	params := map[string]any{"n": 1}
	_, err := gw.ExecuteForTenant(ctx, tenantID, "github", "get", params, 0)
	require.NoError(t, err)

	n, err := gw.InvalidateCache(ctx, tenantID, "github")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"github"}, provider.refreshed, "invalidation refreshes the manifest")

	res, err := gw.ExecuteForTenant(ctx, tenantID, "github", "get", params, 0)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
}

func TestJanitor_ReclaimsExpiredRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tenantID := newTenant(t)

	require.NoError(t, testDB.PutCacheEntry(ctx, tenantID, "fp-janitor", "github", "get", json.RawMessage(`{}`), 20*time.Millisecond))

	janitor := gateway.NewJanitor(testDB, 20*time.Millisecond, testutil.TestLogger())
	go janitor.Run(ctx)

	require.Eventually(t, func() bool {
		var count int
		err := testDB.Pool().QueryRow(ctx,
			`SELECT COUNT(*) FROM tool_cache WHERE tenant_id = $1 AND fingerprint = 'fp-janitor'`,
			tenantID,
		).Scan(&count)
		return err == nil && count == 0
	}, 5*time.Second, 50*time.Millisecond, "janitor should reclaim the expired row")
}
