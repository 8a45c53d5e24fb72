package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyEnvPort(t *testing.T) {
	c := Config{ListenAddr: "0.0.0.0:5001"}
	c.applyEnv(envOf(map[string]string{"PORT": "7000"}), nil)
	assert.Equal(t, "0.0.0.0:7000", c.ListenAddr)
}

func TestApplyEnvHostAndRedis(t *testing.T) {
	c := Config{ListenAddr: "0.0.0.0:5001"}
	c.applyEnv(envOf(map[string]string{"HOST": "127.0.0.1", "REDIS_ADDR": "redis:6379", "REDIS_DB": "3"}), nil)
	assert.Equal(t, "127.0.0.1:5001", c.ListenAddr)
	assert.Equal(t, "redis:6379", c.RedisAddr)
	assert.Equal(t, 3, c.RedisDB)
}

func TestExplicitFlagsWinOverEnv(t *testing.T) {
	c := Config{ListenAddr: "127.0.0.1:9999", RedisAddr: "flag:6379"}
	c.applyEnv(envOf(map[string]string{"PORT": "7000", "REDIS_ADDR": "env:6379"}), map[string]bool{"listen": true, "redis": true})
	assert.Equal(t, "127.0.0.1:9999", c.ListenAddr)
	assert.Equal(t, "flag:6379", c.RedisAddr)
}

func TestDefaultListenAddr(t *testing.T) {
	c := Config{ListenAddr: "0.0.0.0:5001"}
	c.applyEnv(envOf(nil), nil)
	assert.Equal(t, "0.0.0.0:5001", c.ListenAddr)
}
