package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daimatz/linkvm/pkg/archive"
	"github.com/daimatz/linkvm/pkg/config"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/verifier"
)

var (
	linkCmd = &cobra.Command{
		Use:     "link [class...]",
		Short:   "Load and link classes without initializing them",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: setupUniverse,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				k, err := uni.Link(name)
				if err != nil {
					return err
				}
				printClass(cmd, k)
			}
			return nil
		},
	}

	initCmd = &cobra.Command{
		Use:     "init [class]",
		Short:   "Load, link and initialize a class",
		Long:    `Load, link and initialize a class. With --threads N, N threads race to initialize it; its static initializer still runs exactly once.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: setupUniverse,
		RunE: func(cmd *cobra.Command, args []string) error {
			threads, err := cmd.Flags().GetInt("threads")
			if err != nil {
				return err
			}
			if threads < 1 {
				return fmt.Errorf("--threads must be at least 1, got %d", threads)
			}
			k, err := uni.InitializeConcurrently(cmd.Context(), args[0], threads)
			if k != nil {
				printClass(cmd, k)
			}
			return err
		},
	}

	dumpCmd = &cobra.Command{
		Use:     "dump [classlist.toml]",
		Short:   "Link the classes of a class list and write them to a snapshot archive",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupUniverse,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := archive.ReadClassList(args[0])
			if err != nil {
				return err
			}
			out, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			if out == "" {
				out = list.Archive
			}
			if out == "" {
				return fmt.Errorf("no output archive: pass -o or set archive in %s", args[0])
			}
			im, err := uni.Dump(list)
			if err != nil {
				return err
			}
			if err := archive.WriteFile(out, im); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dumped %d classes to %s (id %s)\n", len(im.Entries), out, im.Header.ID)
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore and link every class of a snapshot archive",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			viper.Set(config.KeyArchive, args[0])
			return setupUniverse(cmd, args)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, e := range uni.Archive.Entries {
				ld := uni.App
				if e.Loader == verifier.BootLoaderName {
					ld = uni.Boot
				}
				k, err := ld.LoadClass(uni.Main, e.Name)
				if err != nil {
					return err
				}
				if err := uni.Controller.Link(uni.Main, k); err != nil {
					return err
				}
				printClass(cmd, k)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d classes from %s\n", len(uni.Archive.Entries), uni.Archive.Header.ID)
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:     "stats [class...]",
		Short:   "Initialize classes and print the lifecycle counters in Prometheus format",
		PreRunE: setupUniverse,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if _, err := uni.Initialize(name); err != nil {
					return err
				}
			}
			uni.WriteMetrics(cmd.OutOrStdout())
			return nil
		},
	}
)

func init() {
	initCmd.Flags().Int("threads", 1, "Number of threads initializing the class concurrently")
	dumpCmd.Flags().StringP("output", "o", "", "Archive to write (default: archive from the class list)")
}

func printClass(cmd *cobra.Command, k *klass.Klass) {
	shared := ""
	if k.IsShared() {
		shared = " shared"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (loader %s%s)\n", k.Name(), k.State(), k.Loader().Name(), shared)
}
