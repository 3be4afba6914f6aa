// Package main provides the SkaldDB CLI entry point.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/skalddb/pkg/auth"
	"github.com/orneryd/skalddb/pkg/bolt"
	"github.com/orneryd/skalddb/pkg/config"
	"github.com/orneryd/skalddb/pkg/cypher"
	"github.com/orneryd/skalddb/pkg/storage"
	"github.com/orneryd/skalddb/pkg/tx"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "skalddb",
		Short: "SkaldDB - Graph Database with Neo4j Bolt Compatibility",
		Long: `SkaldDB is a graph database written in Go that speaks the
Neo4j Bolt protocol, so standard Neo4j drivers connect unchanged.

Features:
  • Neo4j Bolt protocol (versions 4.0-4.4)
  • Cypher query subset
  • Explicit and auto-commit transactions with bookmarks
  • Pluggable storage: BadgerDB on disk or pure in-memory`,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SkaldDB v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start SkaldDB server",
		Long:  "Start the SkaldDB Bolt protocol server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "./skalddb.yaml", "Config file path")
	serveCmd.Flags().Int("bolt-port", 7687, "Bolt protocol port (Neo4j compatible)")
	serveCmd.Flags().String("bolt-address", "0.0.0.0", "Bolt listen address")
	serveCmd.Flags().String("data-dir", "./data", "Data directory")
	serveCmd.Flags().Bool("in-memory", false, "Run without disk persistence")
	serveCmd.Flags().String("database", "skald", "Default database name")
	serveCmd.Flags().Bool("no-auth", false, "Disable authentication")
	serveCmd.Flags().String("admin-password", "", "Initial admin password (enables auth)")
	serveCmd.Flags().Bool("log-queries", false, "Log every Cypher statement")
	rootCmd.AddCommand(serveCmd)

	// Init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new SkaldDB database",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadServeConfig merges the config file, environment, and any flags the
// user set explicitly. Flags win over environment, which wins over file.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("bolt-port") {
		cfg.Server.BoltPort, _ = cmd.Flags().GetInt("bolt-port")
	}
	if cmd.Flags().Changed("bolt-address") {
		cfg.Server.BoltAddress, _ = cmd.Flags().GetString("bolt-address")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Database.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("in-memory") {
		cfg.Database.InMemory, _ = cmd.Flags().GetBool("in-memory")
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.DefaultDatabase, _ = cmd.Flags().GetString("database")
	}
	if cmd.Flags().Changed("log-queries") {
		cfg.Logging.QueryLogEnabled, _ = cmd.Flags().GetBool("log-queries")
	}
	if noAuth, _ := cmd.Flags().GetBool("no-auth"); noAuth {
		cfg.Auth.Enabled = false
	} else if cmd.Flags().Changed("admin-password") {
		cfg.Auth.Enabled = true
		cfg.Auth.InitialPassword, _ = cmd.Flags().GetString("admin-password")
	}

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("🚀 Starting SkaldDB v%s\n", version)
	fmt.Printf("   Bolt protocol:   bolt://%s:%d\n", cfg.Server.BoltAddress, cfg.Server.BoltPort)
	fmt.Printf("   Database:        %s\n", cfg.Database.DefaultDatabase)
	if cfg.Database.InMemory {
		fmt.Printf("   Storage:         in-memory (no persistence)\n")
	} else {
		fmt.Printf("   Storage:         %s\n", cfg.Database.DataDir)
	}
	fmt.Println()

	// Open the storage engine
	var engine storage.Engine
	if cfg.Database.InMemory {
		engine = storage.NewMemoryEngine()
	} else {
		graphDir := filepath.Join(cfg.Database.DataDir, "graph")
		if err := os.MkdirAll(graphDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Println("📂 Opening database...")
		badgerEngine, err := storage.NewBadgerEngine(graphDir)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		engine = badgerEngine
	}
	defer engine.Close()

	// Setup authentication
	var authenticator *auth.Authenticator
	if cfg.Auth.Enabled {
		fmt.Println("🔐 Setting up authentication...")
		authConfig := auth.DefaultAuthConfig()
		authConfig.MinPasswordLength = cfg.Auth.MinPasswordLength
		authConfig.MaxFailedLogins = cfg.Auth.MaxFailedLogins
		authConfig.LockoutDuration = cfg.Auth.LockoutDuration

		authenticator, err = auth.NewAuthenticator(authConfig)
		if err != nil {
			return fmt.Errorf("creating authenticator: %w", err)
		}
		authenticator.SetAuditLogger(func(event auth.AuditEvent) {
			line, _ := json.Marshal(event)
			fmt.Printf("[AUDIT] %s\n", line)
		})

		_, err := authenticator.CreateUser(cfg.Auth.InitialUsername, cfg.Auth.InitialPassword, []auth.Role{auth.RoleAdmin})
		if err != nil {
			return fmt.Errorf("creating admin user: %w", err)
		}
		fmt.Printf("   ✅ Admin user created (%s)\n", cfg.Auth.InitialUsername)
	} else {
		fmt.Println("⚠️  Authentication disabled")
	}

	// Wire the Bolt server: storage -> transactions -> protocol
	manager := tx.NewManager(engine, cypher.New(), cfg.Database.DefaultDatabase)

	boltConfig := bolt.DefaultConfig()
	boltConfig.Host = cfg.Server.BoltAddress
	boltConfig.Port = cfg.Server.BoltPort
	boltConfig.MaxConnections = cfg.Server.MaxConnections
	boltConfig.DefaultDatabase = cfg.Database.DefaultDatabase
	boltConfig.AdvertisedAddress = cfg.Server.AdvertisedAddress
	boltConfig.LogQueries = cfg.Logging.QueryLogEnabled
	boltConfig.ServerAgent = fmt.Sprintf("SkaldDB/%s", version)
	if cfg.Auth.Enabled {
		boltConfig.Authenticator = bolt.NewAuthenticatorAdapter(authenticator)
		boltConfig.RequireAuth = true
		boltConfig.AllowAnonymous = cfg.Auth.AllowAnonymous
	}

	server := bolt.New(boltConfig, manager)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	fmt.Println()
	fmt.Println("✅ SkaldDB is ready!")
	fmt.Println()
	fmt.Printf("  • Bolt: bolt://localhost:%d\n", cfg.Server.BoltPort)
	if cfg.Auth.Enabled {
		fmt.Printf("  • Username: %s\n", cfg.Auth.InitialUsername)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	// Block until shutdown signal or listener failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigChan:
	}

	fmt.Println("\n🛑 Shutting down...")
	if open := manager.OpenTransactions(); open > 0 {
		fmt.Printf("   ⚠️  Terminating %d open transaction(s)\n", open)
	}
	if err := server.Close(); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("📂 Initializing SkaldDB database in %s\n", dataDir)

	if err := os.MkdirAll(filepath.Join(dataDir, "graph"), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	// Create default config file
	configPath := filepath.Join(dataDir, "skalddb.yaml")
	configContent := `# SkaldDB Configuration
server:
  bolt_port: 7687
  bolt_address: 0.0.0.0
  max_connections: 100

database:
  data_dir: ` + dataDir + `
  default_database: skald
  in_memory: false

auth:
  enabled: false
  initial_username: neo4j
  # initial_password: change-me

logging:
  query_log_enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("✅ Database initialized successfully")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start the server:  skalddb serve --config", configPath)

	return nil
}
