// Command metricsrecorderd runs the privacy-preserving metrics event
// recorder daemon described by SPEC_FULL.md. The CLI is built on the
// Orpheus framework, grounded on the teacher's cmd/cli/manager.go: a
// Manager wraps an *orpheus.App, registers one command per subcommand, and
// Run hands argv straight to the app.
//
// Copyright (c) 2025 Lantern Labs
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"fmt"
	"time"

	"github.com/agilira/orpheus/pkg/orpheus"

	"github.com/lantern-labs/metricsrecorder/internal/bootclock"
	"github.com/lantern-labs/metricsrecorder/internal/daemon"
	"github.com/lantern-labs/metricsrecorder/internal/daemonconfig"
	"github.com/lantern-labs/metricsrecorder/internal/logging"
	"github.com/lantern-labs/metricsrecorder/internal/reporter"
	"github.com/lantern-labs/metricsrecorder/internal/variant"
)

// Manager wires the three metricsrecorderd subcommands onto an Orpheus
// app, mirroring the teacher's Manager/NewManager split between command
// wiring and handler bodies (handlers.go).
type Manager struct {
	app *orpheus.App
}

// NewManager builds the metricsrecorderd CLI with its run, status, and
// upload-now subcommands.
func NewManager() *Manager {
	app := orpheus.New("metricsrecorderd").
		SetDescription("Privacy-preserving metrics event recorder daemon").
		SetVersion("1.0.0")

	m := &Manager{app: app}
	m.setupRunCommand()
	m.setupStatusCommand()
	m.setupUploadNowCommand()
	return m
}

// Run executes the CLI with the given arguments (typically os.Args[1:]).
func (m *Manager) Run(args []string) error {
	return m.app.Run(args)
}

func (m *Manager) setupRunCommand() {
	runCmd := orpheus.NewCommand("run", "Run the daemon in the foreground").
		AddFlag("config-dir", "c", "/etc/metricsrecorderd", "directory holding cache-size.conf and permissions.conf").
		AddFlag("cache-dir", "", "", "persistent cache directory (defaults to the persistent-cache-directory tunable)").
		AddFlag("server-url", "", "", "upload target, may contain ${environment}").
		AddFlag("image-version", "", "dev", "image_version reported in uploaded bodies").
		AddBoolFlag("dev", "d", false, "use development defaults (shorter upload interval)").
		SetHandler(m.handleRun)
	m.app.AddCommand(runCmd)
}

func (m *Manager) setupStatusCommand() {
	statusCmd := orpheus.NewCommand("status", "Report daemon permission and cache state").
		AddFlag("config-dir", "c", "/etc/metricsrecorderd", "directory holding cache-size.conf and permissions.conf").
		AddBoolFlag("verbose", "v", false, "also print the raw state as a variant debug dump").
		SetHandler(m.handleStatus)
	m.app.AddCommand(statusCmd)
}

func (m *Manager) setupUploadNowCommand() {
	uploadCmd := orpheus.NewCommand("upload-now", "Force one upload attempt against the persistent cache and exit").
		AddFlag("config-dir", "c", "/etc/metricsrecorderd", "directory holding cache-size.conf and permissions.conf").
		AddFlag("cache-dir", "", "", "persistent cache directory (defaults to the persistent-cache-directory tunable)").
		AddFlag("server-url", "", "", "upload target, may contain ${environment}").
		AddFlag("image-version", "", "dev", "image_version reported in uploaded bodies").
		SetHandler(m.handleUploadNow)
	m.app.AddCommand(uploadCmd)
}

// buildDaemon resolves the §6 tunables in increasing priority order
// (flash-flags defaults, then its METRICSRECORDERD_* environment
// bindings, then an operator's metricsrecorderd.yaml, then this
// invocation's explicit CLI flags) and constructs the Daemon from them.
func buildDaemon(ctx *orpheus.Context, devMode bool) (*daemon.Daemon, time.Duration, error) {
	configDir := ctx.GetFlagString("config-dir")

	tunables, err := daemonconfig.LoadTunables(nil, devMode)
	if err != nil {
		return nil, 0, fmt.Errorf("loading tunables: %w", err)
	}

	tunables, err = daemonconfig.ApplyYAMLOverrides(configDir, tunables)
	if err != nil {
		return nil, 0, fmt.Errorf("applying yaml overrides: %w", err)
	}

	if v := ctx.GetFlagString("cache-dir"); v != "" {
		tunables.PersistentCacheDirectory = v
	}
	if v := ctx.GetFlagString("server-url"); v != "" {
		tunables.ServerURL = v
	}

	cacheDir := tunables.PersistentCacheDirectory
	serverURL := tunables.ServerURL
	imageVersion := ctx.GetFlagString("image-version")

	maxCacheSize, err := daemonconfig.LoadCacheSize(configDir)
	if err != nil {
		return nil, 0, fmt.Errorf("loading cache-size.conf: %w", err)
	}

	sendInterval := time.Duration(tunables.NetworkSendIntervalSeconds) * time.Second

	logger := logging.Default("metricsrecorderd")

	d, err := daemon.New(daemon.Options{
		ConfigDir:        configDir,
		CacheDir:         cacheDir,
		MaxCacheSize:     maxCacheSize,
		ImageVersion:     imageVersion,
		BootType:         reporter.BootNormal,
		ServerURL:        serverURL,
		SendInterval:     sendInterval,
		MaxBytesBuffered: tunables.MaxBytesBuffered,
		Clock:            bootclock.NewRealClock(),
		Logger:           logger,
	})
	return d, sendInterval, err
}

func (m *Manager) handleStatus(ctx *orpheus.Context) error {
	configDir := ctx.GetFlagString("config-dir")

	perms, err := daemonconfig.LoadPermissions(configDir)
	if err != nil {
		return fmt.Errorf("loading permissions.conf: %w", err)
	}
	cacheSize, err := daemonconfig.LoadCacheSize(configDir)
	if err != nil {
		return fmt.Errorf("loading cache-size.conf: %w", err)
	}

	fmt.Printf("metrics enabled:    %v\n", perms.Enabled)
	fmt.Printf("uploading enabled:  %v\n", perms.UploadingEnabled)
	fmt.Printf("environment:        %s\n", perms.Environment)
	fmt.Printf("max cache bytes:    %d\n", cacheSize)

	if ctx.GetFlagBool("verbose") {
		state := variant.Tuple(
			variant.Bool(perms.Enabled),
			variant.Bool(perms.UploadingEnabled),
			variant.String(perms.Environment),
			variant.Uint(cacheSize),
		)
		dump, err := state.DebugDump()
		if err != nil {
			return fmt.Errorf("rendering debug dump: %w", err)
		}
		fmt.Printf("raw state:\n%s", dump)
	}
	return nil
}

func (m *Manager) handleUploadNow(ctx *orpheus.Context) error {
	d, _, err := buildDaemon(ctx, false)
	if err != nil {
		return err
	}
	if err := d.UploadEvents(); err != nil {
		return fmt.Errorf("upload attempt: %w", err)
	}
	fmt.Println("upload attempt complete")
	return nil
}

func (m *Manager) handleRun(ctx *orpheus.Context) error {
	devMode := ctx.GetFlagBool("dev")
	d, sendInterval, err := buildDaemon(ctx, devMode)
	if err != nil {
		return err
	}

	configDir := ctx.GetFlagString("config-dir")
	watcher := daemonconfig.NewWatcher(configDir, 5*time.Second, logging.Default("daemonconfig"))
	watcher.Start()
	defer watcher.Stop()

	if err := d.RunStartupDrain(); err != nil {
		return fmt.Errorf("startup drain: %w", err)
	}

	return runLoop(d, watcher, sendInterval)
}
