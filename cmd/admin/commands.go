package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-stream/pkg/simplestream"
)

// NewChannelsCommand creates the channels command group
func NewChannelsCommand(open repoFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channels",
		Short:   "Manage the channel allow-list",
		Long:    `Channel posts are only ingested when the channel is on the allow-list.`,
		Example: `  admin channels add -- -1001234567890
  admin channels list --json`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <channel-id>",
		Short: "Allow a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChannelID(args[0])
			if err != nil {
				return err
			}
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if err := repo.AddChannel(cmd.Context(), id); err != nil {
				return fmt.Errorf("add channel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Channel %d allowed\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <channel-id>",
		Short: "Remove a channel from the allow-list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChannelID(args[0])
			if err != nil {
				return err
			}
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if err := repo.RemoveChannel(cmd.Context(), id); err != nil {
				return fmt.Errorf("remove channel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Channel %d removed\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List allowed channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			channels, err := repo.ListChannels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list channels: %w", err)
			}
			if useJSON(cmd) {
				return printJSON(cmd, channels)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "CHANNEL\tADDED\n")
			for _, ch := range channels {
				fmt.Fprintf(w, "%d\t%s\n", ch.ID, humanize.Time(ch.AddedAt))
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d\n", len(channels))
			return nil
		},
	})

	return cmd
}

// NewShortenerCommand creates the shortener command group
func NewShortenerCommand(open repoFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shortener",
		Short: "Manage the link shortener configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <api-url> <api-key>",
		Short: "Set the shortener API",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			cfg := &simplestream.ShortenerConfig{APIURL: args[0], APIKey: args[1]}
			if err := repo.SetShortener(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("set shortener: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Shortener set to %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the shortener configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := repo.GetShortener(cmd.Context())
			if err != nil {
				return err
			}
			cfg.APIKey = maskKey(cfg.APIKey)
			if useJSON(cmd) {
				return printJSON(cmd, cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API URL: %s\nAPI key: %s\nUpdated: %s\n",
				cfg.APIURL, cfg.APIKey, cfg.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the shortener configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if err := repo.DeleteShortener(cmd.Context()); err != nil {
				return fmt.Errorf("delete shortener: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shortener removed")
			return nil
		},
	})

	return cmd
}

// NewLinksCommand creates the links command group
func NewLinksCommand(open repoFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect stored links",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <link-id>",
		Short: "Show the object a link resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			link, err := repo.GetLink(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if useJSON(cmd) {
				return printJSON(cmd, link)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Link:    %s\nObject:  %d\nFile:    %s\nCreated: %s\n",
				link.ID, link.ObjectID, link.FileName, link.CreatedAt.Format(time.RFC3339))
			return nil
		},
	})

	return cmd
}

// NewThumbnailsCommand creates the thumbnails command group
func NewThumbnailsCommand(open repoFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thumbnails",
		Short: "Inspect thumbnail records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <title>",
		Short: "Show the preview links stored for a title",
		Long:  `The title is normalized the same way uploaded file names are, so "Inception (2010)" finds "inception".`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := simplestream.DeriveContentKey("", strings.Join(args, " "))
			if key == "" {
				return fmt.Errorf("no content key in %q", strings.Join(args, " "))
			}
			repo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := repo.GetThumbnailRecord(cmd.Context(), key)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if useJSON(cmd) {
				return printJSON(cmd, rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key:     %s\nRank:    %d\nSource:  %d\nUpdated: %s\n",
				rec.ContentKey, rec.BestQualityRank, rec.SourceObjectID, humanize.Time(rec.UpdatedAt))
			for i, link := range rec.PreviewLinks {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, link)
			}
			return nil
		},
	})

	return cmd
}

func parseChannelID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %q", s)
	}
	return id, nil
}

func useJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
