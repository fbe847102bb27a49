// Package main はCAエンジンを直接操作するCLIツールのエントリポイント。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lolepezy/rpki-core/config"
	"github.com/lolepezy/rpki-core/internal/infra"
)

const version = "1.0.0"

var (
	output string
	cfg    *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cactl",
		Short: "RPKI certificate authority engine CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unsupported output format %q", output)
			}
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
			infra.SetupLogger(cfg)
			return nil
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")

	// サブコマンド登録
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newCACmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newNextIDCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// 設定の読み込みは不要
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cactl version %s\n", version)
		},
	}
}
