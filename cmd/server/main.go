package main

import (
	"log"
	"os"

	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/server"
)

func main() {
	cfg := config.Load()

	srv, err := server.New(cfg)
	if err != nil {
		log.Printf("Server failed to initialize: %v", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		log.Printf("Server failed to start: %v", err)
		os.Exit(1)
	}
}
