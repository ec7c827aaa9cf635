package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/go-github/github"
	"github.com/kilnfi/go-ledger-kiln/pkg/contract"
	"github.com/spf13/cobra"
)

var (
	abiRepo string
	abiPath string
	abiRef  string
	abiOut  string
)

func init() {
	f := syncAbisCmd.Flags()
	f.StringVar(&abiRepo, "repo", "LedgerHQ/app-plugin-kiln", "GitHub repository, as owner/name")
	f.StringVar(&abiPath, "path", "tests/kiln/abis", "directory of the ABI files in the repository")
	f.StringVar(&abiRef, "ref", "", "branch, tag or commit, defaults to the default branch")
	f.StringVarP(&abiOut, "out", "o", "cal/abis", "output directory")
	rootCmd.AddCommand(syncAbisCmd)
}

var syncAbisCmd = &cobra.Command{
	Use:   "syncAbis",
	Short: "Download the contract ABIs of the plugin from GitHub",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		owner, repo, ok := strings.Cut(abiRepo, "/")
		if !ok {
			return fmt.Errorf("invalid repository %q", abiRepo)
		}
		client := github.NewClient(nil)
		opts := &github.RepositoryContentGetOptions{Ref: abiRef}

		_, dir, _, err := client.Repositories.GetContents(ctx, owner, repo, abiPath, opts)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(abiOut, 0o755); err != nil {
			return err
		}
		for _, entry := range dir {
			name := entry.GetName()
			addr := strings.TrimSuffix(name, ".json")
			if entry.GetType() != "file" || addr == name || !common.IsHexAddress(addr) {
				log.Debug("Skipping file", "name", name)
				continue
			}
			file, _, _, err := client.Repositories.GetContents(ctx, owner, repo, entry.GetPath(), opts)
			if err != nil {
				return err
			}
			content, err := file.GetContent()
			if err != nil {
				return err
			}
			if _, err := contract.ParseABI([]byte(content)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			out := filepath.Join(abiOut, strings.ToLower(addr)+".json")
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return err
			}
			log.Info("Synced ABI", "contract", addr, "file", out)
		}
		return nil
	},
}
