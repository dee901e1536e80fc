package http

import (
	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/node"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Members int    `json:"members"`
}

// MembersResponse is the response body for GET /api/v1/members.
type MembersResponse struct {
	Self    string           `json:"self"`
	Members []cluster.Member `json:"members"`
}

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	Version string     `json:"version,omitempty"`
	Stats   node.Stats `json:"stats"`
}

// PlacementResponse is the response body for GET /api/v1/placement.
type PlacementResponse struct {
	Context string   `json:"context"`
	Key     string   `json:"key"`
	Primary string   `json:"primary,omitempty"`
	Nodes   []string `json:"nodes"`
}
