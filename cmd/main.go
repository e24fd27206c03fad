package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Minami189/QuizWebSocket/internal/config"
	"github.com/Minami189/QuizWebSocket/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

// loadConfig reads the optional file at CONFIG_PATH. PORT is honoured for
// the HTTP port so the server runs as is on most PaaS.
func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	err := config.Load(os.Getenv("CONFIG_PATH"), &c,
		config.WithEnvAlias("http.port", "PORT"),
		config.WithEnvAlias("redis.addrs", "REDIS_URL"),
	)
	if err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
