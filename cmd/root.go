// Copyright 2025 Altimeter Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/server"
	"github.com/altimeterlabs/mcpd/internal/telemetry"
	"github.com/altimeterlabs/mcpd/internal/util"
)

var (
	// versionString stores the full semantic version, including build metadata.
	versionString string
	// versionNum indicates the numerical part of the version
	//go:embed version.txt
	versionNum string
	// buildType indicates additional build or distribution metadata.
	buildType string = "dev" // should be one of "dev", "binary", or "container"
	// commitSha is the git commit it was built from
	commitSha string
)

func init() {
	versionString = semanticVersion()
}

// semanticVersion returns the version of the CLI including compile-time metadata.
func semanticVersion() string {
	metadataStrings := []string{buildType, runtime.GOOS, runtime.GOARCH}
	if commitSha != "" {
		metadataStrings = append(metadataStrings, commitSha)
	}
	return strings.TrimSpace(versionNum) + "+" + strings.Join(metadataStrings, ".")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Command represents an invocation of the CLI.
type Command struct {
	*cobra.Command

	cfg        server.ServerConfig
	logger     log.Logger
	configFile string
	inStream   io.Reader
	outStream  io.Writer
	errStream  io.Writer
}

// NewCommand returns a Command object representing an invocation of the CLI.
func NewCommand(opts ...Option) *Command {
	baseCmd := &cobra.Command{
		Use:           "mcpd",
		Version:       versionString,
		SilenceErrors: true,
	}
	cmd := &Command{
		Command:   baseCmd,
		inStream:  os.Stdin,
		outStream: os.Stdout,
		errStream: os.Stderr,
	}

	for _, o := range opts {
		o(cmd)
	}

	cmd.cfg.Version = versionString

	baseCmd.SetIn(cmd.inStream)
	baseCmd.SetOut(cmd.outStream)
	baseCmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "127.0.0.1", "Address of the interface the server will listen on.")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 5000, "Port the server will listen on.")
	flags.StringVar(&cmd.configFile, "config", "", "File path of the YAML file declaring resources and prompts.")
	flags.Var(&cmd.cfg.LogLevel, "log-level", "Specify the minimum level logged. Allowed: 'DEBUG', 'INFO', 'WARN', 'ERROR'.")
	flags.Var(&cmd.cfg.LoggingFormat, "logging-format", "Specify logging format to use. Allowed: 'standard' or 'JSON'.")
	flags.StringVar(&cmd.cfg.TelemetryOTLP, "telemetry-otlp", "", "Enable exporting using OpenTelemetry Protocol (OTLP) to the specified endpoint (e.g. 'http://127.0.0.1:4318')")
	flags.StringVar(&cmd.cfg.TelemetryServiceName, "telemetry-service-name", "mcpd", "Sets the value of the service.name resource attribute for telemetry data.")
	flags.BoolVar(&cmd.cfg.Stdio, "stdio", false, "Listens via MCP STDIO instead of acting as a remote HTTP server.")
	flags.BoolVar(&cmd.cfg.DisableReload, "disable-reload", false, "Disables dynamic reloading of the config file.")
	flags.BoolVar(&cmd.cfg.DebugErrors, "debug-errors", false, "Attach internal error details to wire errors.")
	flags.IntVar(&cmd.cfg.ReplayBufferSize, "replay-buffer-size", 1024, "Events retained per session for stream resumption.")
	flags.DurationVar(&cmd.cfg.TaskSweepInterval, "task-sweep-interval", 30*time.Second, "Interval between task store TTL sweeps.")
	flags.StringVar(&cmd.cfg.Instructions, "instructions", "", "Usage instructions returned to clients on initialize.")

	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }

	return cmd
}

// parseEnv replaces environment variables ${ENV_NAME} with their values.
func parseEnv(input string) string {
	re := regexp.MustCompile(`\$\{(\w+)\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value, found := os.LookupEnv(parts[1]); found {
			return value
		}
		return match
	})
}

// parseRegistryFile parses the provided yaml into the declarative config.
func parseRegistryFile(ctx context.Context, raw []byte) (server.RegistryFile, error) {
	var file server.RegistryFile
	raw = []byte(parseEnv(string(raw)))
	if err := yaml.UnmarshalContext(ctx, raw, &file, yaml.Strict()); err != nil {
		return file, err
	}
	return file, nil
}

func loadRegistryFile(ctx context.Context, path string) (server.RegistryFile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return server.RegistryFile{}, fmt.Errorf("unable to read config at %q: %w", path, err)
	}
	file, err := parseRegistryFile(ctx, buf)
	if err != nil {
		return server.RegistryFile{}, fmt.Errorf("unable to parse config at %q: %w", path, err)
	}
	return file, nil
}

// watchChanges watches the config file and all file-backed resources.
// Config edits rebuild and swap the registry; resource file writes emit
// notifications/resources/updated to subscribers.
func watchChanges(ctx context.Context, configFile string, watched map[string]string, s *server.Server) {
	logger, err := util.LoggerFromContext(ctx)
	if err != nil {
		panic(err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WarnContext(ctx, fmt.Sprintf("error setting up new watcher: %s", err))
		return
	}
	defer w.Close()

	// fsnotify prefers watching directories then filtering for files
	watchDirs := make(map[string]bool)
	watchedFiles := make(map[string]string)
	if configFile != "" {
		clean := filepath.Clean(configFile)
		watchedFiles[clean] = ""
		watchDirs[filepath.Dir(clean)] = true
	}
	for path, uri := range watched {
		clean := filepath.Clean(path)
		watchedFiles[clean] = uri
		watchDirs[filepath.Dir(clean)] = true
	}
	for dir := range watchDirs {
		if err := w.Add(dir); err != nil {
			logger.WarnContext(ctx, fmt.Sprintf("error adding path %s to watcher: %s", dir, err))
			return
		}
		logger.DebugContext(ctx, fmt.Sprintf("added directory %s to watcher", dir))
	}

	// debounce timer prevents multiple writes triggering multiple reloads
	debounceDelay := 100 * time.Millisecond
	debounce := time.NewTimer(1 * time.Minute)
	debounce.Stop()
	reloadPending := false

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "file watcher context cancelled")
			return
		case err, ok := <-w.Errors:
			if !ok || err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("file watcher error: %s", err))
				return
			}
		case e, ok := <-w.Events:
			if !ok {
				logger.WarnContext(ctx, "file watcher already closed")
				return
			}
			if !e.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			clean := filepath.Clean(e.Name)
			uri, relevant := watchedFiles[clean]
			if !relevant {
				continue
			}
			logger.DebugContext(ctx, fmt.Sprintf("%s event detected in %s", e.Op, clean))
			if uri == "" {
				reloadPending = true
				debounce.Reset(debounceDelay)
				continue
			}
			s.NotifyResourceUpdated(ctx, uri)
		case <-debounce.C:
			debounce.Stop()
			if !reloadPending {
				continue
			}
			reloadPending = false
			logger.DebugContext(ctx, "reloading config file")
			file, err := loadRegistryFile(ctx, configFile)
			if err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("error reloading config: %s", err))
				continue
			}
			next, nextWatched, err := server.BuildRegistry(ctx, file)
			if err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("unable to validate reloaded config: %s", err))
				continue
			}
			toolsChanged, resourcesChanged, promptsChanged := s.Registry().Replace(next)
			s.NotifyListsChanged(ctx, toolsChanged, resourcesChanged, promptsChanged)
			for path, uri := range nextWatched {
				clean := filepath.Clean(path)
				if _, ok := watchedFiles[clean]; !ok {
					watchedFiles[clean] = uri
					if err := w.Add(filepath.Dir(clean)); err != nil {
						logger.WarnContext(ctx, fmt.Sprintf("error watching %s: %s", clean, err))
					}
				}
			}
		}
	}
}

func run(cmd *Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// watch for sigterm / sigint signals
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func(sCtx context.Context) {
		var s os.Signal
		select {
		case <-sCtx.Done():
			return
		case s = <-signals:
		}
		switch s {
		case syscall.SIGINT:
			cmd.logger.DebugContext(sCtx, "Received SIGINT signal to shutdown.")
		case syscall.SIGTERM:
			cmd.logger.DebugContext(sCtx, "Received SIGTERM signal to shutdown.")
		}
		cancel()
	}(ctx)

	// In stdio mode every diagnostic goes to stderr; stdout carries the
	// protocol stream.
	outStream := cmd.outStream
	if cmd.cfg.Stdio {
		outStream = cmd.errStream
	}
	if cmd.logger == nil {
		switch strings.ToLower(cmd.cfg.LoggingFormat.String()) {
		case "json":
			logger, err := log.NewStructuredLogger(outStream, cmd.errStream, cmd.cfg.LogLevel.String())
			if err != nil {
				return fmt.Errorf("unable to initialize logger: %w", err)
			}
			cmd.logger = logger
		case "standard":
			logger, err := log.NewStdLogger(outStream, cmd.errStream, cmd.cfg.LogLevel.String())
			if err != nil {
				return fmt.Errorf("unable to initialize logger: %w", err)
			}
			cmd.logger = logger
		default:
			return fmt.Errorf("logging format invalid")
		}
	}
	ctx = util.WithLogger(ctx, cmd.logger)

	// Set up OpenTelemetry
	otelShutdown, err := telemetry.SetupOTel(ctx, cmd.cfg.Version, cmd.cfg.TelemetryOTLP, cmd.cfg.TelemetryServiceName)
	if err != nil {
		errMsg := fmt.Errorf("error setting up OpenTelemetry: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			cmd.logger.ErrorContext(ctx, fmt.Sprintf("error shutting down OpenTelemetry: %s", err))
		}
	}()
	instrumentation, err := telemetry.NewInstrumentation(cmd.cfg.Version)
	if err != nil {
		errMsg := fmt.Errorf("unable to create instrumentation: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	ctx = util.WithInstrumentation(ctx, instrumentation)
	ctx = util.WithUserAgent(ctx, cmd.cfg.Version)

	var file server.RegistryFile
	if cmd.configFile != "" {
		if file, err = loadRegistryFile(ctx, cmd.configFile); err != nil {
			cmd.logger.ErrorContext(ctx, err.Error())
			return err
		}
	}
	reg, watched, err := server.BuildRegistry(ctx, file)
	if err != nil {
		errMsg := fmt.Errorf("unable to build registry: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}

	s, err := server.NewServer(ctx, cmd.cfg, reg)
	if err != nil {
		errMsg := fmt.Errorf("server failed to initialize: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}

	if cmd.cfg.Stdio {
		if !cmd.cfg.DisableReload && cmd.configFile != "" {
			go watchChanges(ctx, cmd.configFile, watched, s)
		}
		return s.ServeStdio(ctx, cmd.inStream, cmd.outStream)
	}

	if err := s.Listen(ctx); err != nil {
		errMsg := fmt.Errorf("server failed to listen: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	cmd.logger.InfoContext(ctx, "Server ready to serve!")

	group, gCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.Serve(gCtx); err != nil && !strings.Contains(err.Error(), "Server closed") {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if !cmd.cfg.DisableReload && cmd.configFile != "" {
		group.Go(func() error {
			watchChanges(gCtx, cmd.configFile, watched, s)
			return nil
		})
	}
	group.Go(func() error {
		<-gCtx.Done()
		shutdownContext, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return s.Shutdown(shutdownContext)
	})

	return group.Wait()
}
