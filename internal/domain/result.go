package domain

// Result is the outcome of a successful read
type Result[T any] struct {
	Data T

	// The data was served from the local cache, either because it was fresh
	// or because the server reported it as not modified
	FromCache bool

	// The server could not be reached and stale cached data was served instead
	OfflineMode bool
}
