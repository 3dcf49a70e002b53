package main

import (
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iota-uz/callcore/internal/configuration"
)

func main() {
	conf := configuration.Use()
	if conf.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sqlx.Connect("pgx", conf.DatabaseURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() { _ = db.Close() }()

	migrations := &migrate.FileMigrationSource{
		Dir: "internal/store/postgres/migrations",
	}

	direction := migrate.Up
	if len(os.Args) > 1 && os.Args[1] == "down" {
		direction = migrate.Down
	}

	n, err := migrate.Exec(db.DB, "postgres", migrations, direction)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Printf("applied %d migrations\n", n)
}
