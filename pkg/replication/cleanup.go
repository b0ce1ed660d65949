package replication

import (
	"io"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// ResourceCleanup closes registered resources in reverse order. It removes
// the cascading error handling of multi-step initialization:
//
//	cleanup := NewResourceCleanup(logger)
//	defer cleanup.Cleanup()
//
//	sock, err := factory.NewPairSocket()
//	if err != nil {
//	    return err
//	}
//	cleanup.Add(sock, "pair socket")
//
//	if err := sock.Dial(addr); err != nil {
//	    return err // closes sock
//	}
//	cleanup.Clear()
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// NewResourceCleanup creates an empty cleanup stack.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 8),
		logger:    logger,
	}
}

// Add registers a resource to be closed.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes every registered resource, logging failures. It is
// idempotent.
func (rc *ResourceCleanup) Cleanup() {
	_ = rc.closeAll()
}

// Clear forgets the registered resources without closing them.
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every registered resource and returns the first error.
func (rc *ResourceCleanup) CloseAll() error {
	return rc.closeAll()
}

func (rc *ResourceCleanup) closeAll() error {
	var firstErr error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			rc.logger.Warn("failed to close resource", logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
	return firstErr
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
