package main

import (
	"os"

	"github.com/harun/orbit/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is fine; variables may come from the environment
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
