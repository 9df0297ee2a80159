package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/ignite/cohort-estimator/internal/config"
	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("ESTIMATOR_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := cfg.Database.MigrationsDir
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if listOnly {
		tables, err := presentTables(ctx, db)
		if err != nil {
			log.Fatalf("list tables: %v", err)
		}
		for _, t := range tables {
			fmt.Println(" ", t)
		}
		fmt.Printf("Total: %d of %d tables\n", len(tables), len(estimatorTables))
		return
	}

	applied, err := migrate(ctx, db, dir)
	for _, f := range applied {
		fmt.Printf("  %s ... OK\n", f)
	}
	if err != nil {
		log.Printf("Migration failed after %d applied: %v", len(applied), err)
		os.Exit(1)
	}
	if len(applied) == 0 {
		log.Println("Schema up to date")
		return
	}
	log.Printf("Migrations complete: %d applied", len(applied))
}
