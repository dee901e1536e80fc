package replica

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPartialReplication matches any *ReplicationError.
var ErrPartialReplication = errors.New("partial replication failure")

// ReplicationError reports an operation that did not succeed on every
// target node. Use errors.As to read the failed node ids.
type ReplicationError struct {
	Op        string
	Failed    []string
	Succeeded []string
	Causes    map[string]error
}

func (e *ReplicationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d nodes failed", e.Op, len(e.Failed), len(e.Failed)+len(e.Succeeded))
	for _, id := range e.Failed {
		fmt.Fprintf(&b, "; %s: %v", id, e.Causes[id])
	}
	return b.String()
}

// Is reports ErrPartialReplication.
func (e *ReplicationError) Is(target error) bool {
	return target == ErrPartialReplication
}

// Unwrap returns the per-node causes, ordered by node id.
func (e *ReplicationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.Failed {
		if err := e.Causes[id]; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// outcome is one node's result in a fan-out.
type outcome struct {
	node string
	err  error
}

// collect builds a ReplicationError from outcomes, or returns nil when every
// node succeeded.
func collect(op string, outcomes []outcome) *ReplicationError {
	re := &ReplicationError{Op: op, Causes: make(map[string]error)}
	for _, o := range outcomes {
		if o.err != nil {
			re.Failed = append(re.Failed, o.node)
			re.Causes[o.node] = o.err
		} else {
			re.Succeeded = append(re.Succeeded, o.node)
		}
	}
	if len(re.Failed) == 0 {
		return nil
	}
	sort.Strings(re.Failed)
	sort.Strings(re.Succeeded)
	return re
}
