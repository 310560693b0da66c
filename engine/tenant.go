package engine

// TenantContext carries the tenant identity through an execution.
//
// Tenancy is threaded explicitly: the service layer builds a TenantContext
// from the authenticated request and passes it to Execute/Resume; the
// executor seeds the reserved _tenant_id context key from it and scopes all
// repository and transport calls by it.
type TenantContext struct {
	// TenantID is the isolation unit every definition and snapshot is
	// keyed by.
	TenantID string

	// ToolEndpoint optionally names the tenant's tool-transport endpoint
	// for diagnostics. The transport resolves channels by TenantID.
	ToolEndpoint string
}
