package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/meigma/pullkit"
	"github.com/meigma/pullkit/internal/decompress"
)

var (
	blobDecompress bool
	blobOutputFile string
	blobMediaType  string
)

var blobCmd = &cobra.Command{
	Use:   "blob <repository> <digest>",
	Short: "Stream a blob to stdout or a file",
	Long: `Blob streams a blob and verifies it against its digest as it is read.

A digest mismatch fails the command after the last byte; when writing to a
file, the file is only created once verification succeeds.

With --decompress, gzip and zstd layers are decoded on the fly. The format
comes from --media-type, or the response Content-Type, or the stream's
magic bytes.

Examples:
  pullkit blob library/alpine sha256:... > layer.tar.gz
  pullkit blob --decompress -O layer.tar library/alpine sha256:...`,
	Args: cobra.ExactArgs(2),
	RunE: runBlob,
}

func init() {
	blobCmd.Flags().BoolVarP(&blobDecompress, "decompress", "d", false, "Decode gzip or zstd content")
	blobCmd.Flags().StringVarP(&blobOutputFile, "output-file", "O", "", "Write to a file instead of stdout")
	blobCmd.Flags().StringVar(&blobMediaType, "media-type", "", "Media type hint for --decompress")
	rootCmd.AddCommand(blobCmd)
}

func runBlob(cmd *cobra.Command, args []string) error {
	dgst, err := digest.Parse(args[1])
	if err != nil {
		return fmt.Errorf("%w: digest %q: %w", pullkit.ErrInvalidInput, args[1], err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, cfg, repository, err := setup(ctx, args[0], "")
	if err != nil {
		return err
	}

	if blobOutputFile == "" {
		return withReauth(ctx, client, repository, func() error {
			return streamBlob(ctx, cmd.OutOrStdout(), client, repository, dgst, nil)
		})
	}

	var bar *progressBar
	var opts []pullkit.BlobOption
	if shouldShowProgress(cfg.Progress) {
		bar = newProgressBar(cmd.ErrOrStderr(), "Downloading", 0)
		opts = append(opts, pullkit.WithProgress(bar.Callback(dgst.String())))
	}

	tmp := blobOutputFile + ".partial"
	err = withReauth(ctx, client, repository, func() error {
		//nolint:gosec // G304: path is a user-provided CLI argument
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		streamErr := streamBlob(ctx, f, client, repository, dgst, opts)
		if closeErr := f.Close(); streamErr == nil {
			streamErr = closeErr
		}
		return streamErr
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, blobOutputFile)
}

// streamBlob copies a verified blob into w, decoding it if requested.
func streamBlob(ctx context.Context, w io.Writer, client *pullkit.Client, repository string, dgst digest.Digest, opts []pullkit.BlobOption) error {
	opts = append([]pullkit.BlobOption{pullkit.WithVerify()}, opts...)
	stream, err := client.Blob(ctx, repository, dgst.String(), opts...)
	if err != nil {
		return err
	}
	defer stream.Close()

	var src io.Reader = stream
	if blobDecompress {
		mediaType := blobMediaType
		if mediaType == "" {
			mediaType = stream.MediaType()
		}
		rc, _, err := decompress.NewReader(stream, mediaType)
		if err != nil {
			return err
		}
		defer rc.Close()
		src = rc
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy blob %s: %w", dgst, err)
	}
	if blobDecompress {
		// Drain whatever the decoder left so the digest check runs.
		if _, err := io.Copy(io.Discard, stream); err != nil {
			return fmt.Errorf("copy blob %s: %w", dgst, err)
		}
	}
	return nil
}
