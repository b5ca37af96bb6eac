// Package testutil provides shared test helper utilities.
package testutil

// Ptr returns a pointer to v, for optional payload fields such as
// DirectPayload.IsPrivate.
func Ptr[T any](v T) *T { return &v }
