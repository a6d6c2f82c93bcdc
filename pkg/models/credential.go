package models

// CreateCredentialRequest stores a credential row. Material arrives
// already encrypted; the orchestrator never sees plaintext at rest.
type CreateCredentialRequest struct {
	TenantID     int    `json:"tenant_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Environment  string `json:"environment,omitempty"`
	Material     []byte `json:"material"`
	Host         string `json:"host,omitempty"`
	Port         *int   `json:"port,omitempty"`
	DatabaseName string `json:"database_name,omitempty"`
}
