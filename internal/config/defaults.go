package config

import "time"

const (
	DefaultStartTimeout = 60 * time.Second
	DefaultListen       = "127.0.0.1:8787"
	DefaultBasePath     = "/api"
)
