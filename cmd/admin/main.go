package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-stream/pkg/simplestream"
	"github.com/tendant/simple-stream/pkg/simplestream/config"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := NewRootCommand(repositoryFromEnv)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// repoFactory opens the metadata repository a command operates on.
type repoFactory func(ctx context.Context) (simplestream.Repository, error)

// repositoryFromEnv reads DATABASE_URL, DATABASE_TYPE and DB_SCHEMA the same
// way the server does, including a .env file in the working directory.
func repositoryFromEnv(ctx context.Context) (simplestream.Repository, error) {
	cfg, err := config.Load(config.WithDotEnv(), config.WithEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg.BuildRepository(ctx)
}

func NewRootCommand(open repoFactory) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "admin",
		Short: "Simple Stream admin CLI",
		Long: `Administrative tool for the Simple Stream gateway.

Manages the channel allow-list and the link shortener, and inspects stored
links and thumbnail records. Only database access is required.

Configuration is read from the environment and from a .env file in the
current directory (DATABASE_URL, DATABASE_TYPE, DB_SCHEMA).`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(NewChannelsCommand(open))
	rootCmd.AddCommand(NewShortenerCommand(open))
	rootCmd.AddCommand(NewLinksCommand(open))
	rootCmd.AddCommand(NewThumbnailsCommand(open))

	return rootCmd
}
