// Package mock provides a mock upstream validator for testing.
package mock

import (
	"context"
	"sync"
)

// Validator is a mock upstream validator. Set Err to control the outcome of
// every Validate call.
type Validator struct {
	mu sync.Mutex

	// Err is returned from Validate. nil means the credential is accepted.
	Err error

	// Credentials records every credential passed to Validate.
	Credentials []string
}

// Validate records the credential and returns the configured error
func (v *Validator) Validate(_ context.Context, credential string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Credentials = append(v.Credentials, credential)
	return v.Err
}

// Calls returns the number of Validate invocations
func (v *Validator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Credentials)
}
