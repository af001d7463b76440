package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"authservice/internal/domain/models"
	"authservice/internal/lib/password"
	"authservice/internal/storage"
	"authservice/internal/storage/sqlite"
)

func main() {
	var storagePath, migrationsPath string
	var seed bool

	flag.StringVar(&storagePath, "storage-path", "", "path to the sqlite database file")
	flag.StringVar(&migrationsPath, "migrations-path", "migrations", "path to the migrations directory")
	flag.BoolVar(&seed, "seed", false, "create default admin and user accounts")
	flag.Parse()

	if storagePath == "" {
		log.Fatal("storage-path is required")
	}

	m, err := migrate.New(
		"file://"+migrationsPath,
		fmt.Sprintf("sqlite3://%s", storagePath),
	)
	if err != nil {
		log.Fatalf("failed to init migrator: %v", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("no migrations to apply")
		} else {
			log.Fatalf("failed to apply migrations: %v", err)
		}
	} else {
		log.Println("migrations applied")
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		log.Fatalf("failed to close migration source: %v", srcErr)
	}
	if dbErr != nil {
		log.Fatalf("failed to close migration database: %v", dbErr)
	}

	if seed {
		if err := seedUsers(storagePath); err != nil {
			log.Fatalf("failed to seed users: %v", err)
		}
	}
}

// seedUsers creates the default accounts if they do not exist yet.
func seedUsers(storagePath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sqlite.New(storagePath)
	if err != nil {
		return err
	}
	defer db.Close()

	verifier := password.NewVerifier()

	seeds := []struct {
		username string
		email    string
		password string
		role     models.Role
	}{
		{username: "admin", email: "admin@example.com", password: "admin123", role: models.RoleAdmin},
		{username: "user", email: "user@example.com", password: "user123", role: models.RoleUser},
	}

	for _, s := range seeds {
		exists, err := db.ExistsByUsername(ctx, s.username)
		if err != nil {
			return err
		}
		if exists {
			log.Printf("user %q already exists, skipping", s.username)
			continue
		}

		passHash, err := verifier.Encode(s.password)
		if err != nil {
			return err
		}

		if _, err := db.SaveUser(ctx, s.username, s.email, passHash, s.role); err != nil {
			if errors.Is(err, storage.ErrUserAlreadyExists) {
				continue
			}
			return err
		}
		log.Printf("user %q seeded (role=%s)", s.username, s.role)
	}

	return nil
}
