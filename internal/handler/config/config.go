package config

import "time"

type Config struct {
	ServerAddr      string
	JWTSecret       string
	ShutdownTimeout time.Duration
}
