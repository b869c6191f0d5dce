package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var username, host string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the token to the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if username != "" {
				cfg.Username = username
			}
			if cfg.Username == "" {
				return fmt.Errorf("a username is required: use --username")
			}

			cmd.Print("Password: ")
			password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && password == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")

			urls, err := cfg.URLBuilder()
			if err != nil {
				return err
			}
			creds := cfg.Credentials(urls, log)
			if err := creds.Login(cmd.Context(), password); err != nil {
				return err
			}

			cfg.Token = creds.CurrentToken()
			if err := cfg.Save(opts.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", cfg.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account name.")
	cmd.Flags().StringVar(&host, "host", "", "Service host, saved to the configuration. Defaults to "+gobox.DefaultHost+".")
	return cmd
}
