package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iotzator/homematrix/internal/migrate"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with .up.sql/.down.sql files")
	seeds := flag.String("seeds", "seeds", "directory with idempotent seed files")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	dsn := os.Getenv("HM_PG_DSN")
	if dsn == "" {
		log.Fatal("HM_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	m := migrate.NewManager(db, *dir, *seeds)
	switch cmd {
	case "up":
		err = m.Up(ctx)
	case "down":
		err = m.Down(ctx)
	case "seed":
		err = m.Seed(ctx)
	case "status":
		var applied []string
		applied, err = m.Status(ctx)
		for _, name := range applied {
			fmt.Println(name)
		}
	default:
		log.Fatalf("unknown command %q (want up, down, seed or status)", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}
