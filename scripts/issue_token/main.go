package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"execution-core/internal/api"
	"execution-core/pkg/config"
)

// issue_token prints a bearer token for the configured client, signed with
// JWT_SECRET.
//
// Usage:
//   go run ./scripts/issue_token [-ttl 24h]

func main() {
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	token, err := api.IssueToken(cfg.ClientID, cfg.JWTSecret, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
