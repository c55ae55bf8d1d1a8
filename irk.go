package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"bt-locate.klederson.com/internal/keyring"
	"bt-locate.klederson.com/internal/rpa"
	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve IRK ADDRESS",
		Short: "Check whether a resolvable private address was generated from an IRK",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			irk, err := rpa.ParseIRK(args[0])
			if err != nil {
				if errors.Is(err, rpa.ErrIRKLength) {
					return err
				}
				return fmt.Errorf("invalid IRK hex string: %w", err)
			}
			addr := rpa.Normalize(args[1])
			switch {
			case rpa.Resolve(irk, addr):
				fmt.Fprintf(cmd.OutOrStdout(), "%s resolves\n", addr)
			case !rpa.IsResolvableAddress(addr):
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not a resolvable private address\n", addr)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s does not resolve\n", addr)
			}
			return nil
		},
	}
}

func newIRKCmd() *cobra.Command {
	var bluezRoot string

	irkCmd := &cobra.Command{
		Use:   "irk",
		Short: "Manage saved identity resolving keys",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyring(cmd, func(keys *keyring.Store) error {
				entries, err := keys.List(cmd.Context())
				if err != nil {
					return err
				}
				printEntries(cmd, entries)
				return nil
			})
		},
	}

	var address string
	addCmd := &cobra.Command{
		Use:   "add LABEL IRK",
		Short: "Save a key under a label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyring(cmd, func(keys *keyring.Store) error {
				e, err := keys.Add(cmd.Context(), keyring.Entry{Label: args[0], IRKHex: args[1], Address: address})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", e.Label, e.ID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&address, "address", "", "Identity address of the device")

	deleteCmd := &cobra.Command{
		Use:   "delete LABEL|ID",
		Short: "Delete a saved key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyring(cmd, func(keys *keyring.Store) error {
				return keys.Delete(cmd.Context(), args[0])
			})
		},
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import keys of devices paired with this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyring(cmd, func(keys *keyring.Store) error {
				n, err := keys.ImportBlueZ(cmd.Context(), bluezRoot)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d key(s) from %s\n", n, bluezRoot)
				return nil
			})
		},
	}

	pairedCmd := &cobra.Command{
		Use:   "paired",
		Short: "Show keys of paired devices without saving them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := keyring.PairedIRKs(bluezRoot)
			if err != nil {
				return err
			}
			printEntries(cmd, entries)
			return nil
		},
	}

	for _, c := range []*cobra.Command{importCmd, pairedCmd} {
		c.Flags().StringVar(&bluezRoot, "root", keyring.DefaultBlueZRoot, "BlueZ pairing data directory")
	}

	irkCmd.AddCommand(listCmd, addCmd, deleteCmd, importCmd, pairedCmd)
	return irkCmd
}

func withKeyring(cmd *cobra.Command, fn func(*keyring.Store) error) error {
	if flagDB == "" {
		return errors.New("no keyring database (--db)")
	}
	keys, err := keyring.Open(cmd.Context(), flagDB)
	if err != nil {
		return err
	}
	defer keys.Close()
	return fn(keys)
}

func printEntries(cmd *cobra.Command, entries []keyring.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no keys")
		return
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tADDRESS\tIRK\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Label, e.Address, e.IRKHex, e.Source)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
