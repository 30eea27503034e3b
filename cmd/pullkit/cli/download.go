package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/pullkit"
)

var (
	downloadPlatform string
	downloadJobs     int
)

var downloadCmd = &cobra.Command{
	Use:   "download <repository> <reference> <directory>",
	Short: "Download an image's manifest, config and layers",
	Long: `Download fetches an image manifest and every blob it references into a
directory:

  <directory>/manifest.json
  <directory>/config.json
  <directory>/blobs/<algorithm>/<hex>

Blobs are fetched concurrently (--jobs), each verified against its digest
and size. A blob is written to <hex>.partial first and renamed once
verified. An interrupted download resumes from the partial file when the
registry supports range requests; blobs already present and valid are
skipped.

Examples:
  pullkit download library/alpine 3.20 ./alpine --platform linux/amd64
  pullkit download --jobs 8 org/app v1 ./app`,
	Args:              cobra.ExactArgs(3),
	RunE:              runDownload,
	ValidArgsFunction: completeDownloadArgs,
}

func init() {
	downloadCmd.Flags().StringVar(&downloadPlatform, "platform", "", "Platform to select from an index (os/arch[/variant])")
	downloadCmd.Flags().IntVarP(&downloadJobs, "jobs", "j", 0, "Concurrent blob downloads (default from config, 4)")
	//nolint:errcheck // flag is registered above
	downloadCmd.RegisterFlagCompletionFunc("platform", completePlatforms)
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, cfg, repository, err := setup(ctx, args[0], "")
	if err != nil {
		return err
	}
	platform := downloadPlatform
	if platform == "" {
		platform = cfg.Download.Platform
	}
	jobs := downloadJobs
	if jobs <= 0 {
		jobs = cfg.Download.Jobs
	}

	d := &downloader{
		client:     client,
		repository: repository,
		dir:        args[2],
		jobs:       jobs,
	}
	if verbose {
		d.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var result *downloadResult
	err = withReauth(ctx, client, repository, func() error {
		m, err := resolveImage(ctx, client, repository, args[1], platform)
		if err != nil {
			return err
		}
		if shouldShowProgress(cfg.Progress) {
			d.bar = newProgressBar(cmd.ErrOrStderr(), "Downloading", totalSize(uniqueBlobs(m)))
			defer d.bar.Finish()
		}
		result, err = d.Run(ctx, m)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s: %d blobs (%s, %d already present) to %s\n",
		result.Manifest, result.Blobs, formatBytes(result.Bytes), result.Skipped, d.dir)
	return nil
}

// downloadResult summarizes a download.
type downloadResult struct {
	Manifest digest.Digest
	Blobs    int
	Skipped  int
	Bytes    int64
}

// downloader writes one image's blobs into dir.
type downloader struct {
	client     *pullkit.Client
	repository string
	dir        string
	jobs       int
	bar        *progressBar
	logger     *slog.Logger
}

// Run downloads the config and layers of m, then writes manifest.json and
// config.json. Blobs shared by several descriptors are fetched once.
func (d *downloader) Run(ctx context.Context, m *pullkit.Manifest) (*downloadResult, error) {
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	blobs := uniqueBlobs(m)
	skipped := make([]bool, len(blobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.jobs, 1))
	for i, desc := range blobs {
		g.Go(func() error {
			present, err := d.fetch(gctx, desc)
			skipped[i] = present
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(d.dir, "manifest.json"), m.Raw, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	configData, err := os.ReadFile(d.blobPath(m.Config.Digest))
	if err != nil {
		return nil, fmt.Errorf("read config blob: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, "config.json"), configData, 0o644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	result := &downloadResult{
		Manifest: m.Descriptor.Digest,
		Blobs:    len(blobs),
		Bytes:    totalSize(blobs),
	}
	for _, s := range skipped {
		if s {
			result.Skipped++
		}
	}
	return result, nil
}

// fetch makes one blob present and verified at its final path. It reports
// whether the blob was already there.
func (d *downloader) fetch(ctx context.Context, desc pullkit.Descriptor) (bool, error) {
	final := d.blobPath(desc.Digest)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return false, err
	}

	ok, err := verifyFile(final, desc)
	if err != nil {
		return false, err
	}
	if ok {
		d.logger.Debug("blob already present", "digest", desc.Digest)
		d.report(desc, desc.Size)
		return true, nil
	}

	partial := final + ".partial"
	if offset := resumeOffset(partial, desc.Size); offset > 0 {
		err := d.resume(ctx, desc, partial, offset)
		switch {
		case err == nil:
			return false, os.Rename(partial, final)
		case errors.Is(err, pullkit.ErrRangeNotSupported), errors.Is(err, pullkit.ErrDigestMismatch):
			d.logger.Debug("resume failed, restarting blob", "digest", desc.Digest, "offset", offset, "error", err)
		default:
			return false, err
		}
	}

	if err := d.download(ctx, desc, partial); err != nil {
		return false, err
	}
	return false, os.Rename(partial, final)
}

// download fetches the whole blob into partial with streaming verification.
// A partial that fails verification is removed; one cut short by the
// network is kept for the next attempt.
func (d *downloader) download(ctx context.Context, desc pullkit.Descriptor, partial string) error {
	//nolint:gosec // G304: path is derived from a validated digest
	f, err := os.Create(partial)
	if err != nil {
		return err
	}

	err = d.copyBlob(ctx, f, desc, pullkit.WithVerify())
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, pullkit.ErrDigestMismatch) || errors.Is(err, pullkit.ErrSizeMismatch) {
		//nolint:errcheck // best-effort cleanup
		os.Remove(partial)
	}
	return err
}

// resume appends the tail of the blob to partial starting at offset, then
// verifies the whole file: a ranged response cannot be verified in flight.
func (d *downloader) resume(ctx context.Context, desc pullkit.Descriptor, partial string, offset int64) error {
	d.logger.Debug("resuming blob", "digest", desc.Digest, "offset", offset)

	//nolint:gosec // G304: path is derived from a validated digest
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	err = d.copyBlob(ctx, f, desc, pullkit.WithOffset(offset))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	ok, err := verifyFile(partial, desc)
	if err != nil {
		return err
	}
	if !ok {
		//nolint:errcheck // best-effort cleanup
		os.Remove(partial)
		return fmt.Errorf("%w: resumed blob %s", pullkit.ErrDigestMismatch, desc.Digest)
	}
	return nil
}

func (d *downloader) copyBlob(ctx context.Context, w io.Writer, desc pullkit.Descriptor, opts ...pullkit.BlobOption) error {
	opts = append(opts, pullkit.WithExpectedSize(desc.Size))
	if d.bar != nil {
		opts = append(opts, pullkit.WithProgress(d.bar.Callback(desc.Digest.String())))
	}
	stream, err := d.client.Blob(ctx, d.repository, desc.Digest.String(), opts...)
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := io.Copy(w, stream); err != nil {
		return fmt.Errorf("download blob %s: %w", desc.Digest, err)
	}
	return nil
}

func (d *downloader) report(desc pullkit.Descriptor, n int64) {
	if d.bar != nil {
		d.bar.Callback(desc.Digest.String())(pullkit.ProgressEvent{BytesTransferred: n, TotalBytes: desc.Size})
	}
}

func (d *downloader) blobPath(dgst digest.Digest) string {
	return filepath.Join(d.dir, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// uniqueBlobs returns the config followed by the layers, dropping repeated
// digests.
func uniqueBlobs(m *pullkit.Manifest) []pullkit.Descriptor {
	seen := make(map[digest.Digest]bool, len(m.Layers)+1)
	out := make([]pullkit.Descriptor, 0, len(m.Layers)+1)
	for _, desc := range append([]pullkit.Descriptor{m.Config}, m.Layers...) {
		if seen[desc.Digest] {
			continue
		}
		seen[desc.Digest] = true
		out = append(out, desc)
	}
	return out
}

func totalSize(descs []pullkit.Descriptor) int64 {
	var n int64
	for _, desc := range descs {
		n += desc.Size
	}
	return n
}

// resumeOffset returns the size of a usable partial file, or 0. Partials
// that are not shorter than the blob are discarded.
func resumeOffset(partial string, size int64) int64 {
	info, err := os.Stat(partial)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	if info.Size() >= size {
		//nolint:errcheck // best-effort cleanup
		os.Remove(partial)
		return 0
	}
	return info.Size()
}

// verifyFile reports whether path holds exactly the content desc names.
// A missing file is not an error.
func verifyFile(path string, desc pullkit.Descriptor) (bool, error) {
	//nolint:gosec // G304: path is derived from a validated digest
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	verifier := desc.Digest.Verifier()
	n, err := io.Copy(verifier, f)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return n == desc.Size && verifier.Verified(), nil
}
