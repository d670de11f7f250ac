package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider invokes an action on an external tool (source-control API,
// artifact store, ...). Provider selection and credentials live behind this
// interface; the gateway only sees payloads and errors.
type Provider interface {
	Invoke(ctx context.Context, toolID, action string, params map[string]any) (json.RawMessage, error)
}

// ManifestRefresher is optionally implemented by providers that can re-fetch
// a tool's capability manifest. InvalidateCache calls it after sweeping the
// tool's cached entries so clients see fresh capabilities on the next call.
type ManifestRefresher interface {
	RefreshManifest(ctx context.Context, toolID string) error
}

// ProviderError wraps a failure from the external tool. Provider failures
// are surfaced to the caller and never cached.
type ProviderError struct {
	ToolID string
	Action string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gateway: provider %s/%s: %v", e.ToolID, e.Action, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
