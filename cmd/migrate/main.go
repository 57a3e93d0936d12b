package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

func main() {
	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|redo|reset|provision-user")
	version := flag.String("version", "", "target version for up-to/down-to")
	userID := flag.String("user-id", "", "external identity id (provision-user)")
	email := flag.String("email", "", "user email (provision-user)")
	name := flag.String("name", "", "user display name (provision-user)")
	role := flag.String("role", string(domain.RoleUser), "USER or ADMIN (provision-user)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithFields(map[string]interface{}{
		"service": "migrate",
		"cmd":     *cmd,
	})

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()

	if *cmd == "provision-user" {
		if err := provisionUser(ctx, crdb.NewRepository(pool), *userID, *email, *name, *role); err != nil {
			fmt.Fprintf(os.Stderr, "provision user: %v\n", err)
			os.Exit(1)
		}
		logger.WithField("email", *email).Info("user provisioned")
		return
	}

	var args []string
	if *version != "" {
		args = append(args, *version)
	}
	if err := crdb.Migrate(ctx, pool, *cmd, args...); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger.Info("migrate complete")
}

func provisionUser(ctx context.Context, repo *crdb.Repository, rawID, email, name, rawRole string) error {
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return fmt.Errorf("user-id must be a uuid: %w", err)
	}
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email is required")
	}
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		return err
	}
	return repo.UpsertUser(ctx, domain.User{ID: id, Email: email, Name: strings.TrimSpace(name), Role: role})
}
