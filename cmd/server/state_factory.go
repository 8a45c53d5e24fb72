package main

import (
	"fmt"
	"os"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/state"
)

// newStateStore creates either an in-memory or Redis-backed session mirror based on configuration.
func newStateStore(redisAddr, redisPassword string, redisDB int) (state.Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return state.NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	host, _ := os.Hostname()
	return state.NewRedis(redisAddr, redisPassword, redisDB, fmt.Sprintf("%s-%d", host, time.Now().UnixNano()))
}
