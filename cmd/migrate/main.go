// Command migrate manages the securetrade database schema with goose.
//
// The server also applies migrations on boot; this command exists for
// operating on the schema directly:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate status
//	go run ./cmd/migrate up-to 2
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands: up, down, redo, status, version, up-to <n>, down-to <n>")
	os.Exit(2)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	command, args := os.Args[1], os.Args[2:]

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	if err := goose.RunContext(ctx, command, db, migrationsDir, args...); err != nil {
		log.Fatalf("migrate %s: %v", command, err)
	}
}
