// Command flowline runs the streams defined in a config document until they have all
// stopped or the process receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/teltech/logger"
	"github.com/urfave/cli/v2"
	"github.com/zpiroux/flowline"
)

const closeTimeout = 30 * time.Second

var errConfigMissing = errors.New("a config document is required, provide it with --config")

var log *logger.Log

func init() {
	log = logger.New()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "flowline:", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "config document (.yaml, .yml, .toml or .json)",
		EnvVars: []string{flowline.EnvPrefix + "_CONFIG"},
	}
	logLevelFlag := &cli.StringFlag{
		Name:  "log-level",
		Usage: "minimum log level (debug, info, warn or error), overrides the config document",
	}
	return &cli.App{
		Name:      "flowline",
		Usage:     "config driven stream processing",
		UsageText: "flowline [command] --config <file>",
		Flags:     []cli.Flag{configFlag, logLevelFlag},
		Action:    runCmd,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run all streams in the config document",
				Flags:  []cli.Flag{configFlag, logLevelFlag},
				Action: runCmd,
			},
			{
				Name:   "validate",
				Usage:  "Validate the config document and its stream definitions, without running",
				Flags:  []cli.Flag{configFlag},
				Action: validateCmd,
			},
			{
				Name:   "kinds",
				Usage:  "List the available source, stage and sink kinds",
				Action: kindsCmd,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*flowline.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, errConfigMissing
	}
	doc, err := flowline.LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if level := c.String("log-level"); level != "" {
		doc.Logging.Level = level
	}
	return doc.Config()
}

func runCmd(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	f, err := flowline.New(c.Context, config)
	if err != nil {
		return err
	}
	log.Infof("flowline starting %d streams", len(config.Streams))
	runErr := f.Run(c.Context)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	closeErr := f.Shutdown(closeCtx)
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return closeErr
	}
	log.Info("flowline stopped")
	return nil
}

func validateCmd(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	config.Runtime.FailFast = true
	f, err := flowline.New(c.Context, config)
	if err != nil {
		return err
	}
	specs, err := f.GetStreamSpecs(c.Context)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(c.App.Writer, "%s: %d valid streams: %s\n", c.String("config"), len(ids), strings.Join(ids, ", "))
	return nil
}

func kindsCmd(c *cli.Context) error {
	f, err := flowline.New(c.Context, flowline.NewConfig())
	if err != nil {
		return err
	}
	kinds := f.Kinds()
	for _, category := range []string{"source", "stage", "sink"} {
		fmt.Fprintf(c.App.Writer, "%-7s %s\n", category+":", strings.Join(kinds[category], ", "))
	}
	return nil
}
