package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/auth"
	"github.com/goosewin/gralph-sub000/internal/config"
	"github.com/goosewin/gralph-sub000/internal/server"
	"github.com/goosewin/gralph-sub000/internal/state"
)

var (
	servePort        int
	serveSetPassword bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control endpoint",
	Long: `Run the HTTP control endpoint for remote session monitoring.

The server requires a password, stored as an argon2id hash under the
state directory. Set it once with --set-password, then run serve.

Endpoints: POST /api/auth exchanges the password for a bearer token;
GET /api/sessions lists sessions; GET /api/events streams progress
over a websocket; GET /healthz reports liveness.

Example:
  gralph serve --set-password
  gralph serve --port 9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveSetPassword, "set-password", false, "Prompt for the server password and save its hash")
	rootCmd.AddCommand(serveCmd)
}

// hashFilePath resolves the password hash location, honoring the
// config override.
func hashFilePath(cfg *config.ServerConfig) string {
	if cfg != nil && cfg.PasswordHashFile != "" {
		return cfg.PasswordHashFile
	}
	dir := stateDir
	if dir == "" {
		dir = state.DefaultDir()
	}
	return filepath.Join(dir, auth.HashFileName)
}

func runServe(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := config.LoadConfig(cwd)
	if err != nil {
		return err
	}
	serverCfg := cfg.Server
	if serverCfg == nil {
		serverCfg = config.DefaultServerConfig()
	}
	if servePort != 0 {
		serverCfg.Port = servePort
	}

	hashFile := hashFilePath(serverCfg)

	if serveSetPassword {
		password, err := auth.PromptAndConfirmPassword()
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		if err := auth.SaveHash(hashFile, hash); err != nil {
			return err
		}
		fmt.Printf("Password hash saved to %s\n", hashFile)
		return nil
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	srv, err := server.NewServerFromConfig(serverCfg, hashFile, st)
	if err != nil {
		if errors.Is(err, auth.ErrNoPassword) {
			return fmt.Errorf("no server password set; run 'gralph serve --set-password' first")
		}
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	fmt.Printf("Control endpoint listening on port %d\n", serverCfg.Port)
	return srv.Start(ctx)
}
