package main

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	gobox "github.com/dominicnunez/gobox-sdk-go"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "gobox",
		Short: "Browse and sync files of a GoBox storage",

		SilenceUsage: true,
		// main prints the error.
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", gobox.DefaultConfigPath, "Path of the configuration file.")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug messages.")

	rootCmd.AddCommand(
		newLoginCmd(opts),
		newInfoCmd(opts),
		newMkdirCmd(opts),
		newRmCmd(opts),
		newTrashCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

// load reads the configuration and builds its logger.
func (o *rootOptions) load() (gobox.Config, *logrus.Entry, error) {
	cfg, err := gobox.LoadConfig(o.configPath)
	if err != nil {
		return gobox.Config{}, nil, err
	}
	if o.verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	return cfg, cfg.Logger(), nil
}

// connect opens a client and waits until the storage is reachable. Callers
// must Disconnect it.
func (o *rootOptions) connect(ctx context.Context) (*gobox.Client, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New("not logged in: run `gobox login` first")
	}
	urls, err := cfg.URLBuilder()
	if err != nil {
		return nil, err
	}
	clientOpts, err := cfg.ClientOptions(urls, log)
	if err != nil {
		return nil, err
	}

	client := gobox.NewClient(cfg.Credentials(urls, log), clientOpts...)
	ready, err := client.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if !ready {
		_ = client.Disconnect()
		return nil, errors.New("storage is not connected")
	}

	if mode, _ := gobox.ParseConnectionMode(cfg.Mode); mode != gobox.BridgeMode {
		if err := client.SwitchMode(ctx, mode); err != nil {
			log.WithError(err).Warn("Direct transfers unavailable, using the bridge")
		}
	}
	return client, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < gobox.RootID {
		return 0, fmt.Errorf("invalid file id %q", arg)
	}
	return id, nil
}

// childOf resolves the folder holding remotePath and returns a reference to
// the new entry named after its last element.
func childOf(ctx context.Context, client *gobox.Client, remotePath string, isDirectory bool) (*gobox.File, error) {
	remotePath = strings.Trim(remotePath, "/")
	if remotePath == "" {
		return nil, errors.New("empty remote path")
	}

	parent := gobox.RootFile()
	if dir := path.Dir(remotePath); dir != "." {
		parent = gobox.NewFile(dir, true)
	}
	folder, err := client.Info(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path.Dir(remotePath), err)
	}
	return folder.GenerateChild(path.Base(remotePath), isDirectory)
}

func printFile(cmd *cobra.Command, f *gobox.File) {
	kind := "file"
	if f.IsDirectory {
		kind = "dir"
	}
	name := f.PathString()
	if name == "" {
		name = f.Name
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d\t%s\n", f.ID, kind, f.Size, name)
}
