package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/pullkit"
)

// completionTimeout is the maximum time allowed for completion requests.
// Kept short to avoid blocking the shell.
const completionTimeout = 3 * time.Second

// completePlatforms suggests the platforms listed by the index named by the
// first two arguments (repository and reference).
func completePlatforms(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) < 2 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	if err := initConfig(); err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	client, _, repository, err := setup(ctx, args[0], "")
	if err != nil {
		// Don't show error to user during completion - just return no suggestions
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	content, err := client.Manifest(ctx, repository, args[1])
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	idx, ok := content.(*pullkit.Index)
	if !ok {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var completions []string
	for _, p := range availablePlatforms(idx) {
		if strings.HasPrefix(p, toComplete) {
			completions = append(completions, p)
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}

// completeDownloadArgs provides completion for the download command arguments:
// - First and second args: repository and reference (no completion)
// - Third arg: local directory (filesystem directory completion)
func completeDownloadArgs(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 2 {
		return nil, cobra.ShellCompDirectiveFilterDirs
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}
