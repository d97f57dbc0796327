// Package auth gates every service call behind a pluggable authorization
// policy. The reference configuration accepts every identity for every
// operation; deployments wanting more substitute their own Policy.
package auth

import "fmt"

// Operation names a service method for authorization purposes.
type Operation string

const (
	// OpRegister is the worker-pool registration call.
	OpRegister Operation = "register"
	// OpFairShare is the fair-share query.
	OpFairShare Operation = "nworkers"
	// OpObtain is the lease obtain call.
	OpObtain Operation = "obtain"
	// OpRelease is the lease release call.
	OpRelease Operation = "release"
)

// Policy decides whether identity may invoke op. A nil error authorizes the
// call; the returned error's text may be surfaced to the caller.
type Policy interface {
	Authorize(identity string, op Operation) error
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(identity string, op Operation) error

// Authorize implements Policy.
func (f PolicyFunc) Authorize(identity string, op Operation) error {
	return f(identity, op)
}

// AllowAll is the permissive default policy.
func AllowAll() Policy {
	return PolicyFunc(func(string, Operation) error {
		return nil
	})
}

// DenyAll rejects every call; useful as a fail-closed placeholder while a
// real policy is being wired.
func DenyAll() Policy {
	return PolicyFunc(func(identity string, op Operation) error {
		return fmt.Errorf("identity %q not authorized for %s", identity, op)
	})
}
