package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lolepezy/rpki-core/internal/domain"
	"github.com/lolepezy/rpki-core/internal/repository"
)

// newCacheCmd はメンバーの認証可能リソースのキャッシュを操作する。
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the certifiable resource cache",
	}
	cmd.AddCommand(newCacheSetCmd())
	cmd.AddCommand(newCacheGetCmd())
	return cmd
}

func newCacheSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <ca-name> <resources>",
		Short: "Replace the certifiable resources of a member",
		Long:  "Replace the certifiable resources of a member, e.g. cactl cache set ORG-1 \"AS64496, 10.0.0.0/8\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := domain.ParseResourceSet(args[1])
			if err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}

			err = repository.NewTransactor(db).InTransaction(cmd.Context(), &domain.TransactionStatus{},
				func(ctx context.Context, store domain.Store) error {
					return store.ResourceCache().Update(ctx, args[0], resources)
				})
			if err != nil {
				return fmt.Errorf("updating resource cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated resources of %q: %s\n", args[0], resources)
			return nil
		},
	}
}

func newCacheGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <ca-name>",
		Short: "Show the cached certifiable resources of a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			resources, ok, err := repository.NewResourceCacheRepository(db).Lookup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("looking up resource cache: %w", err)
			}
			if !ok {
				return fmt.Errorf("no cached resources for %q", args[0])
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "resources": resources})
			}
			fmt.Fprintln(cmd.OutOrStdout(), resources)
			return nil
		},
	}
}
