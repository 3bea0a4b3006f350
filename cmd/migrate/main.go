package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iurnickita/creditledger/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	dsn := flag.String("d", os.Getenv("DATABASE_URI"), "database DSN")
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 || *dsn == "" {
		fmt.Println("Usage: migrate -d DSN [command]")
		fmt.Println("Commands: up, down, status, redo")
		os.Exit(1)
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Printf("Starting migration: %s", command)

	if err := postgres.RunMigrations(ctx, *dsn, command); err != nil {
		log.Fatalf("Migration error: %v", err)
	}

	fmt.Println("Migration finished successfully")
}
