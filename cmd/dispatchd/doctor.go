package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/adapter"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and agent binary health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dispatchd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	dir := resolveConfigDir()
	fmt.Printf("  Config dir: %s", dir)
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		fmt.Println(" (no config.json, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Printf("  Config load error: %v\n", err)
		return
	}

	if cfg.Telegram.Token == "" {
		fmt.Println("  Telegram:  NOT CONFIGURED (set GOCLAW_DISPATCH_TELEGRAM_TOKEN)")
	} else {
		fmt.Println("  Telegram:  OK (token present)")
	}

	fmt.Println()
	fmt.Println("  Agents:")
	registry := adapter.NewRegistry()
	adapter.RegisterBuiltins(registry)
	if len(cfg.Agents.List) == 0 {
		fmt.Println("    (none configured)")
	}
	for id, spec := range cfg.Agents.List {
		ad, err := registry.Get(spec.Adapter)
		if err != nil {
			fmt.Printf("    %-16s adapter %q UNKNOWN\n", id, spec.Adapter)
			continue
		}
		workspaceOK := "OK"
		if spec.Workspace != "" {
			if st, statErr := os.Stat(spec.Workspace); statErr != nil || !st.IsDir() {
				workspaceOK = "workspace dir missing: " + spec.Workspace
			}
		}
		fmt.Printf("    %-16s adapter=%-12s needsPty=%-5v workspace=%s\n", id, ad.Name, ad.NeedsPty, workspaceOK)
	}
	if _, err := exec.LookPath("bash"); err != nil {
		fmt.Println("    WARNING: bash not found in PATH; every adapter invokes `bash -lc`")
	}

	fmt.Println()
	threadsFile := filepath.Join(dir, "threads.json")
	if _, err := os.Stat(threadsFile); err != nil {
		fmt.Println("  Thread store:  will be created on first run")
	} else {
		fmt.Println("  Thread store:  OK")
	}

	memDigest := filepath.Join(dir, "memory.md")
	if _, err := os.Stat(memDigest); err != nil {
		fmt.Println("  Memory digest: not yet curated")
	} else {
		fmt.Println("  Memory digest: OK")
	}
}
