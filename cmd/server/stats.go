package main

import (
	"context"
	"time"

	"github.com/matst80/rendezvous/internal/relay"
	"github.com/matst80/rendezvous/internal/state"
)

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Waiting         int                 `json:"waiting"`
	Active          int                 `json:"active"`
	ClusterSessions int64               `json:"cluster_sessions"`
	TotalSessions   int64               `json:"total_sessions"`
	Sessions        []relay.SessionInfo `json:"sessions"`
	Now             string              `json:"now"`
}

func collectStats(r *relay.Relay, store state.Store) Stats {
	rs := r.Stats()
	st := Stats{
		Waiting:         rs.Waiting,
		Active:          rs.Active,
		ClusterSessions: int64(rs.Active),
		TotalSessions:   rs.TotalSessions,
		Sessions:        rs.Sessions,
		Now:             time.Now().UTC().Format(time.RFC3339),
	}
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if n, err := store.CountSessions(ctx); err == nil {
			st.ClusterSessions = n
		}
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Waiting":  s.Waiting,
		"Active":   s.Active,
		"Cluster":  s.ClusterSessions,
		"Total":    s.TotalSessions,
		"Sessions": s.Sessions,
	}
}
