package main

import (
	"github.com/spf13/cobra"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id> <dest>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
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
			return client.DownloadTo(cmd.Context(), f, args[1])
		},
	}
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <src> <remote-path>",
		Short: "Upload a local file; the remote folder must exist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()

			f, err := childOf(cmd.Context(), client, args[1], false)
			if err != nil {
				return err
			}
			return client.UploadFrom(cmd.Context(), f, args[0])
		},
	}
}
