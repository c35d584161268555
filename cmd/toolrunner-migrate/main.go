package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/cuemby/toolrunner/pkg/store/migrations"
)

var (
	dsn     = flag.String("dsn", "", "Postgres DSN (defaults to $TOOLRUNNER_POSTGRES_DSN)")
	command = flag.String("command", "up", "goose command: up, down, status")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("toolrunner migration tool")
	log.Println("=========================")

	connStr := *dsn
	if connStr == "" {
		connStr = os.Getenv("TOOLRUNNER_POSTGRES_DSN")
	}
	if connStr == "" {
		log.Fatal("no DSN given: pass -dsn or set TOOLRUNNER_POSTGRES_DSN")
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}
	goose.SetBaseFS(migrations.FS)

	switch *command {
	case "up":
		if err := goose.Up(db, "."); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Println("migrations applied")
	case "down":
		if err := goose.Down(db, "."); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("last migration reverted")
	case "status":
		if err := goose.Status(db, "."); err != nil {
			log.Fatalf("migration status: %v", err)
		}
	default:
		log.Fatalf("unknown command %q (want up, down, or status)", *command)
	}
}
