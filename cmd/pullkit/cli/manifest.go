package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/containerd/platforms"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meigma/pullkit"
)

var (
	manifestOutput     string
	manifestDescriptor bool
)

var manifestCmd = &cobra.Command{
	Use:   "manifest <repository> <reference>",
	Short: "Fetch a manifest or index",
	Long: `Manifest fetches the manifest for a tag or digest.

The document's digest is checked against Docker-Content-Digest and, for
digest references, against the reference. Indexes are printed as-is; no
platform is selected.

Output formats:
  json   the document exactly as the registry returned it
  yaml   the document converted to YAML
  table  one row per layer (or per index entry)

Examples:
  pullkit manifest library/alpine 3.20
  pullkit manifest -o table library/alpine 3.20
  pullkit manifest --descriptor org/app sha256:...`,
	Args: cobra.ExactArgs(2),
	RunE: runManifest,
}

func init() {
	manifestCmd.Flags().StringVarP(&manifestOutput, "output", "o", "json", "Output format: json, yaml or table")
	manifestCmd.Flags().BoolVar(&manifestDescriptor, "descriptor", false, "Print only the manifest descriptor (HEAD request)")
	//nolint:errcheck // flag is registered above
	manifestCmd.RegisterFlagCompletionFunc("output", cobra.FixedCompletions(
		[]string{"json", "yaml", "table"}, cobra.ShellCompDirectiveNoFileComp))
	rootCmd.AddCommand(manifestCmd)
}

func runManifest(cmd *cobra.Command, args []string) error {
	switch manifestOutput {
	case "json", "yaml", "table":
	default:
		return fmt.Errorf("%w: unknown output format %q", pullkit.ErrInvalidInput, manifestOutput)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, _, repository, err := setup(ctx, args[0], "")
	if err != nil {
		return err
	}
	reference := args[1]

	if manifestDescriptor {
		var desc pullkit.Descriptor
		err := withReauth(ctx, client, repository, func() error {
			var resolveErr error
			desc, resolveErr = client.Resolve(ctx, repository, reference)
			return resolveErr
		})
		if err != nil {
			return err
		}
		return printDocument(cmd.OutOrStdout(), desc, manifestOutput)
	}

	var content pullkit.Content
	err = withReauth(ctx, client, repository, func() error {
		var fetchErr error
		content, fetchErr = client.Manifest(ctx, repository, reference)
		return fetchErr
	})
	if err != nil {
		return err
	}
	return printContent(cmd.OutOrStdout(), content, manifestOutput)
}

// printContent writes a manifest document in the requested format.
func printContent(w io.Writer, content pullkit.Content, format string) error {
	switch format {
	case "table":
		return printContentTable(w, content)
	case "yaml":
		var doc any
		if err := json.Unmarshal(content.Bytes(), &doc); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
		return printYAML(w, doc)
	default:
		if _, err := w.Write(content.Bytes()); err != nil {
			return err
		}
		_, err := fmt.Fprintln(w)
		return err
	}
}

// printDocument writes v as indented JSON or YAML. Table output of a single
// value falls back to JSON.
func printDocument(w io.Writer, v any, format string) error {
	if format == "yaml" {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		return printYAML(w, doc)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, doc any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func printContentTable(w io.Writer, content pullkit.Content) error {
	self := content.ContentDescriptor()
	fmt.Fprintf(w, "%s %s (%s)\n", self.Digest, self.MediaType, formatBytes(self.Size))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	switch c := content.(type) {
	case *pullkit.Manifest:
		fmt.Fprintln(tw, "KIND\tMEDIA TYPE\tDIGEST\tSIZE")
		fmt.Fprintf(tw, "config\t%s\t%s\t%s\n", c.Config.MediaType, c.Config.Digest, formatBytes(c.Config.Size))
		for i, layer := range c.Layers {
			fmt.Fprintf(tw, "layer %d\t%s\t%s\t%s\n", i, layer.MediaType, layer.Digest, formatBytes(layer.Size))
		}
	case *pullkit.Index:
		fmt.Fprintln(tw, "PLATFORM\tMEDIA TYPE\tDIGEST\tSIZE")
		for _, m := range c.Manifests {
			platform := "-"
			if m.Platform != nil {
				platform = platforms.Format(*m.Platform)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", platform, m.MediaType, m.Digest, formatBytes(m.Size))
		}
	}
	return tw.Flush()
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	//nolint:gosec // G115: n is non-negative
	return humanize.IBytes(uint64(n))
}
