package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warden-labs/warden/pkg/config"
	"github.com/warden-labs/warden/pkg/credentials"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/trust"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "rotate-key":
		return runRotateCmd(args[2:], stdout, stderr)
	case "revoke-device":
		return runRevokeCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Warden Kernel")
	fmt.Fprintln(w, "Drafts propose. The kernel authorizes.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server          Run the warden server (default)")
	fmt.Fprintln(w, "  health          Check server health (HTTP)")
	fmt.Fprintln(w, "  verify          Verify evidence chain integrity (--json)")
	fmt.Fprintln(w, "  rotate-key      Rotate the signing key (--reason)")
	fmt.Fprintln(w, "  revoke-device   Revoke a device (--fingerprint, --reason)")
	fmt.Fprintln(w, "  help            Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

// openDatabase picks the driver from the URL scheme. Anything that is not
// Postgres is handed to the SQLite driver.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// loadOrGenerateMasterKey reads the local credential encryption key,
// generating one on first boot.
func loadOrGenerateMasterKey() ([]byte, error) {
	if raw := os.Getenv("WARDEN_MASTER_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("WARDEN_MASTER_KEY must be 64 hex chars")
		}
		return key, nil
	}

	path := os.Getenv("WARDEN_MASTER_KEY_FILE")
	if path == "" {
		path = "data/master.key"
	}
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("corrupt master key file %s", path)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("persist master key: %w", err)
	}
	return key, nil
}

// openTrustStack builds the minimal persistent stack the offline
// subcommands need: database, credential store, ledger and epoch state.
func openTrustStack(ctx context.Context) (*sql.DB, evidence.Ledger, *trust.EpochState, error) {
	cfg := config.Load()
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	masterKey, err := loadOrGenerateMasterKey()
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	creds, err := credentials.NewSQLStore(ctx, db, masterKey)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	ledger, err := evidence.NewSQLLedger(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	epochs, err := trust.NewEpochState(ctx, creds, ledger)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db, ledger, epochs, nil
}

func runVerifyCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Load()
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	ledger, err := evidence.NewSQLLedger(ctx, db)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}

	report, err := ledger.VerifyChainIntegrity(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(out, string(data))
	} else if report.Valid {
		fmt.Fprintf(out, "Chain intact: %d entries\n", report.Entries)
	} else {
		for _, v := range report.Violations {
			fmt.Fprintf(out, "CHAIN BROKEN at seq %d: %s\n", v.Seq, v.Reason)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func runRotateCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("rotate-key", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	reason := cmd.String("reason", "manual rotation", "Reason recorded in the evidence ledger")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, _, epochs, err := openTrustStack(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := epochs.RotateKey(ctx, *reason); err != nil {
		fmt.Fprintf(errOut, "Rotation failed: %v\n", err)
		return 1
	}
	epoch, version := epochs.Current()
	fmt.Fprintf(out, "Rotated: epoch %d, key version %d\n", epoch, version)
	return 0
}

func runRevokeCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("revoke-device", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	fingerprint := cmd.String("fingerprint", "", "Device fingerprint to revoke (REQUIRED)")
	reason := cmd.String("reason", "manual revocation", "Reason recorded in the evidence ledger")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *fingerprint == "" {
		fmt.Fprintln(errOut, "Error: --fingerprint is required")
		cmd.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, ledger, _, err := openTrustStack(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	devices, err := trust.NewDeviceRegistry(ctx, db, ledger)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	if err := devices.Revoke(ctx, *fingerprint, *reason); err != nil {
		fmt.Fprintf(errOut, "Revocation failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Revoked device %s\n", *fingerprint)
	return 0
}
