package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lolepezy/rpki-core/internal/domain"
	"github.com/lolepezy/rpki-core/internal/repository"
	"github.com/lolepezy/rpki-core/internal/usecase"
)

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage certificate authorities",
	}
	cmd.AddCommand(newCreateCmd("create-all-resources", "Create the all-resources root certificate authority", false,
		func(id domain.VersionedID, name string, _ int64) domain.Command {
			return domain.CreateAllResourcesCertificateAuthorityCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
				Name:                        name,
			}
		}))
	cmd.AddCommand(newCreateCmd("create-production", "Create the production certificate authority", true,
		func(id domain.VersionedID, name string, parentID int64) domain.Command {
			return domain.CreateProductionCertificateAuthorityCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
				Name:                        name,
				ParentID:                    parentID,
			}
		}))
	cmd.AddCommand(newCreateCmd("activate-hosted", "Create and activate a hosted certificate authority", true,
		func(id domain.VersionedID, name string, parentID int64) domain.Command {
			return domain.ActivateHostedCertificateAuthorityCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
				Name:                        name,
				ParentID:                    parentID,
			}
		}))
	cmd.AddCommand(newCreateCmd("activate-non-hosted", "Register a non-hosted certificate authority", true,
		func(id domain.VersionedID, name string, parentID int64) domain.Command {
			return domain.ActivateNonHostedCertificateAuthorityCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
				Name:                        name,
				ParentID:                    parentID,
			}
		}))
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newShowCmd())
	return cmd
}

type commandOutput struct {
	CAID        int64  `json:"ca_id"`
	CommandType string `json:"command_type"`
	HasEffect   bool   `json:"has_effect"`
}

// newCreateCmd はシーケンスから新しいIDを払い出してCA作成コマンドを実行する。
func newCreateCmd(use, short string, withParent bool, build func(id domain.VersionedID, name string, parentID int64) domain.Command) *cobra.Command {
	var name string
	var parentID int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.commands.NextID(ctx)
			if err != nil {
				return fmt.Errorf("allocating id: %w", err)
			}
			command := build(domain.NewVersionedID(id), name, parentID)
			status, err := e.commands.Execute(ctx, command)
			if err != nil {
				return fmt.Errorf("%s failed: %w", command.CommandType(), err)
			}
			return printCommandResult(cmd, id, command, status)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Certificate authority name (required)")
	cmd.MarkFlagRequired("name")
	if withParent {
		cmd.Flags().Int64Var(&parentID, "parent", 0, "Parent certificate authority ID (required)")
		cmd.MarkFlagRequired("parent")
	}
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var caID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			view, err := usecase.NewCertificateAuthorityQueryService(e.transactor).Get(ctx, caID)
			if err != nil {
				return err
			}
			command := domain.DeleteCertificateAuthorityCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: view.State.ID},
			}
			status, err := e.commands.Execute(ctx, command)
			if err != nil {
				return fmt.Errorf("%s failed: %w", command.CommandType(), err)
			}
			return printCommandResult(cmd, caID, command, status)
		},
	}
	cmd.Flags().Int64Var(&caID, "id", 0, "Certificate authority ID (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newShowCmd() *cobra.Command {
	var caID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a certificate authority with its key pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			view, err := usecase.NewCertificateAuthorityQueryService(repository.NewTransactor(db)).Get(cmd.Context(), caID)
			if err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), view)
			}

			state := view.State
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %d (version %d)\n", state.ID.ID, state.ID.Version)
			fmt.Fprintf(out, "Name:     %s\n", state.Name)
			fmt.Fprintf(out, "Type:     %s\n", state.Type)
			if state.ParentID != nil {
				fmt.Fprintf(out, "Parent:   %d\n", *state.ParentID)
			}
			fmt.Fprintf(out, "Created:  %s\n\n", state.CreatedAt.Format(time.RFC3339))

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATUS\tCREATED AT\tRESOURCES")
			for _, kp := range state.KeyPairs {
				resources := "-"
				if kp.Incoming != nil {
					resources = kp.Incoming.Resources.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kp.Name, kp.Status, kp.CreatedAt.Format(time.RFC3339), resources)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}

			if len(view.Audits) > 0 {
				fmt.Fprintln(out, "\nHistory:")
				for _, audit := range view.Audits {
					events := make([]string, 0, len(audit.Events))
					for _, ev := range audit.Events {
						events = append(events, ev.EventType)
					}
					fmt.Fprintf(out, "  %s  %s  %s [%s]\n",
						audit.ExecutedAt.Format(time.RFC3339), audit.CommandType, audit.Summary, strings.Join(events, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&caID, "id", 0, "Certificate authority ID (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func printCommandResult(cmd *cobra.Command, caID int64, command domain.Command, status *domain.CommandStatus) error {
	if output == "json" {
		return writeJSON(cmd.OutOrStdout(), commandOutput{
			CAID:        caID,
			CommandType: command.CommandType(),
			HasEffect:   status.HasEffect,
		})
	}
	if !status.HasEffect {
		fmt.Fprintf(cmd.OutOrStdout(), "%s had no effect on certificate authority %d\n", command.CommandType(), caID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (certificate authority %d)\n", command.CommandSummary(), caID)
	return nil
}
