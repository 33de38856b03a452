package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/stephnangue/keygate/adapter"
	"github.com/stephnangue/keygate/barrier"
	"github.com/stephnangue/keygate/config"
	"github.com/stephnangue/keygate/credential"
	"github.com/stephnangue/keygate/engine"
	keygatehttp "github.com/stephnangue/keygate/http"
	"github.com/stephnangue/keygate/listener"
	"github.com/stephnangue/keygate/listener/api"
	log "github.com/stephnangue/keygate/logger"
	"github.com/stephnangue/keygate/transit"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	// Listener type names
	listenerTypeTCP = "tcp"

	// DefaultAtRestKeyEnv is consulted when the crypto block names no
	// environment variable.
	DefaultAtRestKeyEnv = "KEYGATE_AT_REST_KEY"
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Keygate server that responds to API requests",
		Long: `
Usage: keygate server [options]

  This command starts a Keygate server that responds to API requests.
  Start a server with a configuration file:

      $ keygate server --config=/etc/keygate/config.hcl

  For a full list of examples, please see the documentation.
  `,
		RunE: run,
	}

	wg sync.WaitGroup

	cleanupGuard sync.Once

	storageBackends = map[string]credential.Factory{
		"inmem":    credential.NewInmemStore,
		"postgres": credential.NewPostgresStore,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/keygate.hcl)")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(conf)
	defer logger.Close()

	store, err := buildStorage(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}

	infoKeys := make([]string, 0, 10)
	info := make(map[string]string)
	info["log level"] = conf.LogLevel
	infoKeys = append(infoKeys, "log level")
	info["log file"] = conf.LogFile
	infoKeys = append(infoKeys, "log file")
	info["log format"] = conf.LogFormat
	infoKeys = append(infoKeys, "log format")

	atRestBarrier, err := buildBarrier(conf)
	if err != nil {
		return fmt.Errorf("failed to set up the at-rest cipher: %w", err)
	}

	keypair, transportSource, err := buildTransportKeypair(conf)
	if err != nil {
		return fmt.Errorf("failed to set up the transport cipher: %w", err)
	}
	info["transport key"] = transportSource
	infoKeys = append(infoKeys, "transport key")

	if err := store.Init(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Stop()

	registry := adapter.DefaultRegistry(logger.WithSystem("adapter"))
	info["providers"] = strings.Join(registry.Tags(), ", ")
	infoKeys = append(infoKeys, "providers")

	defaultTimeout, err := conf.Validation.DefaultTimeoutOrDefault()
	if err != nil {
		return err
	}
	maxTimeout, err := conf.Validation.MaxTimeoutOrDefault()
	if err != nil {
		return err
	}
	info["validation timeout"] = defaultTimeout.String()
	infoKeys = append(infoKeys, "validation timeout")

	validationEngine := engine.New(store, atRestBarrier, registry, engine.Config{
		DefaultTimeout: defaultTimeout,
		MaxTimeout:     maxTimeout,
		MaxConcurrent:  int64(conf.Validation.MaxConcurrentOrDefault()),
	}, logger.WithSystem("engine"))

	service := credential.NewService(credential.ServiceConfig{
		Store:              store,
		Barrier:            atRestBarrier,
		Transit:            keypair,
		Tags:               registry,
		Tester:             validationEngine,
		Logger:             logger.WithSystem("credential"),
		DefaultEndpoints:   conf.ProviderEndpoints(),
		InitialTestTimeout: defaultTimeout,
	})

	httpHandler := keygatehttp.Handler(&keygatehttp.HandlerProperties{
		Service: service,
		Logger:  logger,
	})

	lns, err := initListeners(httpHandler, conf, logger, &infoKeys, &info)
	if err != nil {
		return err
	}

	// Compile server information for output later
	info["storage"] = conf.Storage.Type
	infoKeys = append(infoKeys, "storage")

	var shutdownErrs []error
	var shutdownErrsMu sync.Mutex

	// Make sure we close all listeners from this point on
	listenerCloseFunc := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Listener stopped successfully: type=%s, address=%s\n", ln.Type(), ln.Addr())
			}
		}
		adapter.ShutdownTransport()
	}

	defer cleanupGuard.Do(listenerCloseFunc)

	sort.Strings(infoKeys)
	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Keygate server configuration:\n\n")

	titleCaser := cases.Title(language.English, cases.NoLower)

	for _, k := range infoKeys {
		fmt.Fprintf(cmd.OutOrStdout(), "%24s: %s\n", titleCaser.String(k), info[k])
	}

	// Use context from cobra command which respects signal interrupts
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errChan := make(chan error, len(lns))
	var listenerErrs []error
	var listenerErrsMu sync.Mutex
	totalListeners := len(lns)

	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "failed to start listener: %v\n", err)
				errChan <- err
			}
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Keygate server started! Log data will stream in below:\n")
	logger.OpenGate()

	// Wait for shutdown
	shutdownTriggered := false

	for !shutdownTriggered {
		select {
		case err := <-errChan:
			listenerErrsMu.Lock()
			listenerErrs = append(listenerErrs, err)
			failedCount := len(listenerErrs)
			listenerErrsMu.Unlock()

			fmt.Fprintf(cmd.OutOrStdout(), "Listener error occurred: failed_count=%d, total_listeners=%d\n", failedCount, totalListeners)

			// Only trigger shutdown if ALL listeners have failed
			if failedCount >= totalListeners {
				fmt.Fprintf(cmd.OutOrStdout(), "All listeners have failed, triggering shutdown: failed_count=%d\n", failedCount)
				shutdownTriggered = true
				cancel()
			}
		case <-ctx.Done():
			fmt.Fprintf(cmd.OutOrStdout(), "Keygate shutdown triggered\n")
			shutdownTriggered = true
			cancel()
		}
	}

	// Stop the listeners so that we don't process further client requests
	cleanupGuard.Do(listenerCloseFunc)

	wg.Wait()

	close(errChan)
	for err := range errChan {
		listenerErrsMu.Lock()
		listenerErrs = append(listenerErrs, err)
		listenerErrsMu.Unlock()
	}

	if len(listenerErrs) > 0 {
		aggregatedErr := errors.Join(listenerErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Listener errors occurred during runtime: %v, error_count=%d\n", aggregatedErr, len(listenerErrs))
	}

	if len(shutdownErrs) > 0 {
		aggregatedShutdownErr := errors.Join(shutdownErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Shutdown completed with errors: %v, error_count=%d\n", aggregatedShutdownErr, len(shutdownErrs))
		return aggregatedShutdownErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

func buildGatedLogger(conf *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		FileConfig: &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxAge:     conf.LogRotationPeriod,
			MaxBackups: conf.LogRotateMaxFiles,
		},
		Format:  log.ParseOutputFormat(conf.LogFormat),
		Outputs: []io.Writer{os.Stdout},
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)

	return gatedLogger
}

func buildStorage(conf *config.Config, logger *log.GatedLogger) (credential.Store, error) {
	if conf.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	factory, exists := storageBackends[conf.Storage.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", conf.Storage.Type)
	}

	store, err := factory(conf.Storage.Config(), logger.WithSystem("storage."+conf.Storage.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", conf.Storage.Type, err)
	}

	return store, nil
}

// buildBarrier resolves the at-rest key from the environment or a key
// file and constructs the barrier around it.
func buildBarrier(conf *config.Config) (*barrier.Barrier, error) {
	envName := DefaultAtRestKeyEnv
	var keyFile string
	if conf.Crypto != nil {
		if conf.Crypto.AtRestKeyEnv != "" {
			envName = conf.Crypto.AtRestKeyEnv
		}
		keyFile = conf.Crypto.AtRestKeyFile
	}

	encoded := os.Getenv(envName)
	if encoded == "" && keyFile != "" {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read at-rest key file: %w", err)
		}
		encoded = string(raw)
	}
	if encoded == "" {
		return nil, fmt.Errorf("no at-rest key found: set %s or configure at_rest_key_file (generate one with 'keygate keygen')", envName)
	}

	key, err := barrier.ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return barrier.NewBarrier(key)
}

// buildTransportKeypair loads the configured transport key, or generates
// an ephemeral one whose sealed secrets will not survive a restart.
func buildTransportKeypair(conf *config.Config) (*transit.Keypair, string, error) {
	var keyFile string
	bits := transit.DefaultKeyBits
	if conf.Crypto != nil {
		keyFile = conf.Crypto.TransportKeyFile
		if conf.Crypto.TransportKeyBits > 0 {
			bits = conf.Crypto.TransportKeyBits
		}
	}

	if keyFile != "" {
		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read transport key file: %w", err)
		}
		keypair, err := transit.LoadPEM(pemBytes)
		if err != nil {
			return nil, "", err
		}
		return keypair, "file", nil
	}

	keypair, err := transit.Generate(bits)
	if err != nil {
		return nil, "", err
	}
	return keypair, "ephemeral (generated at startup)", nil
}

func initListeners(httpHandler http.Handler, conf *config.Config, logger *log.GatedLogger, infoKeys *[]string, info *map[string]string) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(conf.Listeners))

	for _, lnConfig := range conf.Listeners {
		switch lnConfig.Protocol {
		case listenerTypeTCP:
			ln, err := api.NewApiListener(api.ApiListenerConfig{
				Logger:      logger.WithSystem(subsystemListener),
				Address:     lnConfig.Address,
				TLSCertFile: lnConfig.TLSCertFile,
				TLSKeyFile:  lnConfig.TLSKeyFile,
				TLSEnabled:  lnConfig.TLSEnabled,
			}, httpHandler)
			if err != nil {
				return nil, fmt.Errorf("failed to create listener %q: %w", lnConfig.Name, err)
			}
			lns = append(lns, ln)

			key := fmt.Sprintf("listener %s", lnConfig.Name)
			(*info)[key] = fmt.Sprintf("%s (tls: %v)", lnConfig.Address, lnConfig.TLSEnabled)
			*infoKeys = append(*infoKeys, key)
		default:
			return nil, fmt.Errorf("unsupported listener protocol %q", lnConfig.Protocol)
		}
	}

	if len(lns) == 0 {
		return nil, errors.New("at least one listener must be configured")
	}

	return lns, nil
}
