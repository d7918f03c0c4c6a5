// Command authctl is the operator CLI: schema migrations and direct
// role/permission/user maintenance against the components authcored
// serves, for use when the HTTP surface is unavailable or the wrong tool
// for a one-off fix.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/lavente-care/auth-core/internal/cache"
	"github.com/lavente-care/auth-core/internal/config"
	"github.com/lavente-care/auth-core/internal/kv"
	"github.com/lavente-care/auth-core/internal/rbac"
	"github.com/lavente-care/auth-core/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: authctl <command> [args]")
		fmt.Println("Commands:")
		fmt.Println("  migrate            Apply pending database migrations")
		fmt.Println("  add-role           Create a role")
		fmt.Println("  grant-permission   Add a permission to an existing role")
		fmt.Println("  show-user          Print a user's relational-mirror record")
		fmt.Println("  delete-user        Soft-delete a user's relational-mirror record")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		migrateCmd()
	case "add-role":
		addRoleCmd()
	case "grant-permission":
		grantPermissionCmd()
	case "show-user":
		showUserCmd()
	case "delete-user":
		deleteUserCmd()
	default:
		log.Fatalf("unknown command: %s", os.Args[1])
	}
}

func migrateCmd() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}

	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		log.Fatalf("migration init failed: %v", err)
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Println("database is up to date")
			return
		}
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migrations applied successfully")
}

func newEvaluator() *rbac.Evaluator {
	cfg := config.Load()
	store, err := kv.New(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB)
	if err != nil {
		log.Fatalf("kv connect failed: %v", err)
	}
	c, err := cache.New(cache.Config{})
	if err != nil {
		log.Fatalf("cache init failed: %v", err)
	}
	return rbac.New(store, c)
}

func addRoleCmd() {
	fs := flag.NewFlagSet("add-role", flag.ExitOnError)
	name := fs.String("name", "", "Role name")
	description := fs.String("description", "", "Role description")
	fs.Parse(os.Args[2:])

	if *name == "" {
		fmt.Println("Error: --name is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	evaluator := newEvaluator()
	role := rbac.Role{ID: *name, Name: *name, Description: *description}
	if err := evaluator.AddRole(context.Background(), role); err != nil {
		log.Fatalf("add-role failed: %v", err)
	}
	fmt.Printf("Role %q created\n", *name)
}

func grantPermissionCmd() {
	fs := flag.NewFlagSet("grant-permission", flag.ExitOnError)
	role := fs.String("role", "", "Role name")
	action := fs.String("action", "", "Permission action (e.g. 'read')")
	resource := fs.String("resource", "", "Permission resource (e.g. 'user')")
	fs.Parse(os.Args[2:])

	if *role == "" || *action == "" || *resource == "" {
		fmt.Println("Error: --role, --action, and --resource are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	evaluator := newEvaluator()
	perm := rbac.Permission{Action: *action, Resource: *resource}
	if err := evaluator.AddPermissionToRole(context.Background(), *role, perm); err != nil {
		log.Fatalf("grant-permission failed: %v", err)
	}
	fmt.Printf("Granted %s:%s to role %q\n", *action, *resource, *role)
}

func newMirror() *storage.Mirror {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}
	pool, err := storage.NewPostgres(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	return storage.NewMirror(pool)
}

func showUserCmd() {
	fs := flag.NewFlagSet("show-user", flag.ExitOnError)
	userID := fs.String("user-id", "", "User ID")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		fmt.Println("Error: --user-id is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	mirror := newMirror()
	rec, err := mirror.Get(context.Background(), *userID)
	if err != nil {
		log.Fatalf("user not found: %v", err)
	}

	fmt.Printf("UserID:    %s\n", rec.UserID)
	fmt.Printf("Email:     %s\n", rec.Email)
	fmt.Printf("Name:      %s\n", rec.Name)
	fmt.Printf("Active:    %t\n", rec.Active)
	fmt.Printf("CreatedAt: %s\n", rec.CreatedAt)
	fmt.Printf("UpdatedAt: %s\n", rec.UpdatedAt)
}

func deleteUserCmd() {
	fs := flag.NewFlagSet("delete-user", flag.ExitOnError)
	userID := fs.String("user-id", "", "User ID")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		fmt.Println("Error: --user-id is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	mirror := newMirror()
	if err := mirror.SoftDelete(context.Background(), *userID); err != nil {
		log.Fatalf("delete-user failed: %v", err)
	}
	fmt.Printf("User %s soft-deleted\n", *userID)
}
