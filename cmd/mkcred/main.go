// mkcred provisions an agent directly in the durable store, for bootstrapping
// admin accounts before any socket exists to register them over.
//
// Usage:
//
//	DATABASE_URL=... go run ./cmd/mkcred -name alice -role admin
//
// The secret is read from MKCRED_SECRET or generated when unset.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chaloalba05-wq/chat-backend/internal/config"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

func main() {
	name := flag.String("name", "", "agent name (required)")
	role := flag.String("role", models.AgentRoleAgent, "agent role: agent, admin or super_admin")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "mkcred: -name is required")
		os.Exit(1)
	}
	switch *role {
	case models.AgentRoleAgent, models.AgentRoleAdmin, models.AgentRoleSuperAdmin:
	default:
		fmt.Fprintf(os.Stderr, "mkcred: unknown role %q\n", *role)
		os.Exit(1)
	}

	secret := os.Getenv("MKCRED_SECRET")
	generated := false
	if secret == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			fmt.Fprintf(os.Stderr, "mkcred: %v\n", err)
			os.Exit(1)
		}
		secret = base64.RawURLEncoding.EncodeToString(raw)
		generated = true
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkcred: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkcred: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if existing, err := st.GetAgentByName(ctx, *name); err != nil {
		fmt.Fprintf(os.Stderr, "mkcred: %v\n", err)
		os.Exit(1)
	} else if existing != nil {
		fmt.Fprintf(os.Stderr, "mkcred: agent %q already exists\n", *name)
		os.Exit(1)
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:             uuid.New(),
		Name:           *name,
		Role:           *role,
		CredentialHash: string(hash),
		CreatedAt:      now,
		LastSeen:       now,
	}
	if err := st.UpsertAgent(ctx, agent); err != nil {
		fmt.Fprintf(os.Stderr, "mkcred: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Agent ID: %s\n", agent.ID)
	fmt.Printf("Name:     %s\n", agent.Name)
	fmt.Printf("Role:     %s\n", agent.Role)
	if generated {
		fmt.Printf("Secret:   %s\n", secret)
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	cfg := config.Load()
	switch {
	case cfg.DatabaseURL != "":
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case cfg.RedisURL != "":
		return store.NewRedisStore(ctx, cfg.RedisURL)
	case cfg.SQLitePath != "":
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("set DATABASE_URL, REDIS_URL or SQLITE_PATH")
	}
}
