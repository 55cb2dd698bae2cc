// Package provision turns an admitted session into a reachable lab
// environment. Implementations must be idempotent on the instance id and
// must honor context deadlines.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrProvision marks every failure reported by a gateway.
var ErrProvision = errors.New("provisioning failed")

// Request identifies the instance to provision.
type Request struct {
	InstanceID string
	LabRef     string
	OwnerID    string
}

// Result is what a successful provisioning call returns.
type Result struct {
	AccessEndpoint string
}

// Gateway creates and releases lab instances.
type Gateway interface {
	Provision(ctx context.Context, req Request) (Result, error)
	// Release tears the instance down. Releasing an unknown instance is not
	// an error.
	Release(ctx context.Context, instanceID string) error
}

// Error wraps a backend failure for one instance.
type Error struct {
	InstanceID string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision instance %s: %v", e.InstanceID, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrProvision, e.Err} }

// Static returns a templated endpoint without creating anything. The
// template may reference {instanceId}, {labRef} and {ownerId}.
type Static struct {
	Template string
}

// NewStatic creates a static gateway
func NewStatic(template string) *Static {
	return &Static{Template: template}
}

func (s *Static) Provision(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{InstanceID: req.InstanceID, Err: err}
	}
	if strings.TrimSpace(s.Template) == "" {
		return Result{}, &Error{InstanceID: req.InstanceID, Err: errors.New("no endpoint template configured")}
	}
	return Result{AccessEndpoint: Expand(s.Template, req)}, nil
}

func (s *Static) Release(context.Context, string) error { return nil }

// Expand substitutes request fields into template.
func Expand(template string, req Request) string {
	return strings.NewReplacer(
		"{instanceId}", req.InstanceID,
		"{labRef}", req.LabRef,
		"{ownerId}", req.OwnerID,
	).Replace(template)
}
