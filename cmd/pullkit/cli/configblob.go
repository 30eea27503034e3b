package cli

import (
	"github.com/spf13/cobra"

	"github.com/meigma/pullkit"
)

var (
	configBlobPlatform string
	configBlobOutput   string
)

var configBlobCmd = &cobra.Command{
	Use:   "config-blob <repository> <reference>",
	Short: "Print an image's configuration",
	Long: `Config-blob fetches an image manifest, then its configuration blob,
verifies the blob's digest and prints the decoded configuration.

When the reference is an index, --platform chooses the entry.

Examples:
  pullkit config-blob library/alpine 3.20 --platform linux/arm64/v8
  pullkit config-blob -o yaml org/app v1`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigBlob,
}

func init() {
	configBlobCmd.Flags().StringVar(&configBlobPlatform, "platform", "", "Platform to select from an index (os/arch[/variant])")
	configBlobCmd.Flags().StringVarP(&configBlobOutput, "output", "o", "json", "Output format: json or yaml")
	//nolint:errcheck // flag is registered above
	configBlobCmd.RegisterFlagCompletionFunc("platform", completePlatforms)
	rootCmd.AddCommand(configBlobCmd)
}

func runConfigBlob(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, cfg, repository, err := setup(ctx, args[0], "")
	if err != nil {
		return err
	}
	platform := configBlobPlatform
	if platform == "" {
		platform = cfg.Download.Platform
	}

	var img *pullkit.Image
	err = withReauth(ctx, client, repository, func() error {
		m, err := resolveImage(ctx, client, repository, args[1], platform)
		if err != nil {
			return err
		}
		img, err = client.Config(ctx, repository, m.Config.Digest.String())
		return err
	})
	if err != nil {
		return err
	}
	return printDocument(cmd.OutOrStdout(), img, configBlobOutput)
}
