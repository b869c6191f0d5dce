package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print storage changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			client.OnDisconnect(cancel)
			unsubscribe := client.AddSyncEventListener(func(ev gobox.SyncEvent) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", ev.ID, ev.Kind, eventPath(ev.File))
			})
			defer unsubscribe()

			if since > 0 {
				if err := client.RequestEvents(ctx, since); err != nil {
					return err
				}
			}
			<-ctx.Done()
			if client.IsReady() {
				return nil
			}
			return gobox.ErrNotConnected
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Replay the events after this event id first.")
	return cmd
}

func eventPath(f *gobox.File) string {
	if f == nil {
		return ""
	}
	if p := f.PathString(); p != "" {
		return p
	}
	return f.Name
}
