package main

import (
	"github.com/spf13/cobra"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show a file, or list a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()

			f, err := client.Info(cmd.Context(), gobox.NewFileWithID(id))
			if err != nil {
				return err
			}
			printFile(cmd, f)
			for _, child := range f.Children {
				printFile(cmd, child)
			}
			return nil
		},
	}
}

func newMkdirCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder; its parent must exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()

			dir, err := childOf(cmd.Context(), client, args[0], true)
			if err != nil {
				return err
			}
			if err := client.CreateDirectory(cmd.Context(), dir); err != nil {
				return err
			}
			printFile(cmd, dir)
			return nil
		},
	}
}

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a file permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()

			return client.RemoveFile(cmd.Context(), gobox.NewFileWithID(id))
		},
	}
}

func newTrashCmd(opts *rootOptions) *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "trash <id>",
		Short: "Move a file to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()

			return client.TrashFile(cmd.Context(), gobox.NewFileWithID(id), !restore)
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "Recover the file from the trash instead.")
	return cmd
}
