package auth

// Scopes granted on top of a user's own-data access.
const (
	ScopeCatalogWrite = "catalog:write"
)
