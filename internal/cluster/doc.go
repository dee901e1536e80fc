// Package cluster tracks which nodes are members of the group and maps
// entries onto them.
//
// Membership polls a Provider on a fixed interval and keeps the current
// view as an immutable Ring. Placement for an operation is computed from
// the Ring returned by Membership.Ring at the start of that operation, so a
// refresh in flight never changes a decision already made. Joins and leaves
// are published to subscribers as Event values.
//
// There is no data movement when the view changes. Keys written under an
// older view stay on the nodes that received them.
package cluster
