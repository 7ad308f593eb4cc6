package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/glueflow/pkg/config"
	"github.com/openfroyo/glueflow/pkg/policy"
	awsprovider "github.com/openfroyo/glueflow/pkg/providers/aws"
	"github.com/openfroyo/glueflow/pkg/stack"
	"github.com/openfroyo/glueflow/pkg/stores"
	"github.com/openfroyo/glueflow/pkg/telemetry"
)

const defaultStatePath = ".glueflow/state.db"

// newTelemetry builds the telemetry for one invocation from the global flags
// and the environment.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return telemetry.NewTelemetry(cfg)
}

// loadedStack is a declaration read from the configuration sources.
type loadedStack struct {
	Config *config.StackConfig
	Stack  *stack.Stack
	Source string
}

func loadStack(ctx context.Context) (*loadedStack, error) {
	cfg, err := config.NewCUEParser().Load(ctx, configPaths, overridesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Region == "" && awsRegion != "" {
		cfg.Region = awsRegion
	}
	return buildStack(cfg)
}

func buildStack(cfg *config.StackConfig) (*loadedStack, error) {
	s, err := cfg.Stack()
	if err != nil {
		return nil, err
	}
	return &loadedStack{Config: cfg, Stack: s, Source: strings.Join(configPaths, ",")}, nil
}

// pinTarget fills the account and region the declaration left open from the
// caller's credentials.
func pinTarget(ctx context.Context, loaded *loadedStack, clients *awsprovider.Clients) (*loadedStack, error) {
	cfg := *loaded.Config
	if cfg.Region == "" {
		cfg.Region = clients.Config.Region
	}
	if cfg.Account == "" {
		account, err := awsprovider.NewAccountResolver(clients.STS).Resolve(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Account = account
	}
	return buildStack(&cfg)
}

func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if statePath != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func newPolicyEngine(ctx context.Context, logger zerolog.Logger, paths []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}

func awsClients(ctx context.Context) (*awsprovider.Clients, error) {
	awsCfg, err := awsprovider.LoadConfig(ctx, awsprovider.Config{
		Region:   awsRegion,
		Profile:  awsProfile,
		Endpoint: awsEndpoint,
	})
	if err != nil {
		return nil, err
	}
	return awsprovider.NewClients(awsCfg), nil
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
