package service

import "github.com/pkg/errors"

var (
	// ErrInvalidSlug is returned when a flow or step slug fails
	// validation.
	ErrInvalidSlug = errors.New("invalid slug")

	// ErrInvalidMapArity is returned when a map step declares more than
	// one dependency.
	ErrInvalidMapArity = errors.New("map step cannot have more than one dependency")

	// ErrRootMapInputNotArray is returned by StartFlow when the flow has
	// root map steps but the run input is not a JSON array.
	ErrRootMapInputNotArray = errors.New("flow has root map steps: run input must be a JSON array")

	// ErrUnknownDependency is returned by AddStep when a declared
	// dependency does not name an existing step.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleDetected is returned by AddStep when the dependency graph
	// would stop being acyclic.
	ErrCycleDetected = errors.New("cycle detected in dependencies")

	// ErrCascadeLimit signals that taskless-step cascading did not reach
	// a fixed point within the safety bound. It indicates a malformed
	// dependency graph and is not recoverable.
	ErrCascadeLimit = errors.New("taskless cascade exceeded safety limit")
)
