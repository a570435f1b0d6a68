package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/internal/store/pg"
	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and backend health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goreply doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("  Validation:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("    %-12s %s\n", "Token:", presence(cfg.Gateway.Token))
	fmt.Printf("    %-12s %d/min\n", "Rate limit:", cfg.Gateway.RateLimitRPM)

	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg.Store)

	fmt.Println()
	fmt.Println("  LLM:")
	checkProvider("API key", cfg.LLM.APIKey)
	fmt.Printf("    %-12s %s\n", "Model:", cfg.LLM.Model)
	if cfg.LLM.BaseURL != "" {
		fmt.Printf("    %-12s %s\n", "Base URL:", cfg.LLM.BaseURL)
	}
	fmt.Printf("    %-12s %v\n", "Local only:", cfg.Admission.LocalOnly)

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "OTLP:", cfg.Telemetry.Endpoint, telemetryProtocol(cfg.Telemetry))
	} else {
		fmt.Printf("    %-12s disabled\n", "OTLP:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStore(sc config.StoreConfig) {
	backend := sc.Backend
	if backend == "" {
		backend = "sqlite"
	}
	fmt.Printf("    %-12s %s\n", "Backend:", backend)
	switch backend {
	case "sqlite", "file":
		path := config.ExpandHome(sc.Path)
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (will be created)")
		} else {
			fmt.Println(" (OK)")
		}
	case "postgres":
		if sc.PostgresDSN == "" {
			fmt.Printf("    %-12s GOREPLY_POSTGRES_DSN not set\n", "Status:")
			return
		}
		db, err := pg.OpenDB(sc.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		defer db.Close()
		table := sc.Table
		if table == "" {
			table = pg.DefaultTable
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			fmt.Printf("    %-12s table %q missing (run: goreply migrate up)\n", "Schema:", table)
			return
		}
		fmt.Printf("    %-12s connected, %d snapshot(s)\n", "Status:", n)
	}
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := strings.Repeat("*", len(apiKey))
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func presence(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "set"
}
