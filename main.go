package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/5amCurfew/xtap/cmd"
	"github.com/5amCurfew/xtap/models"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.8.0"
var discover bool = false
var catalogPath string
var statePath string
var exitCode int

func main() {
	Execute()
}

func Execute() {
	rootCmd.Flags().BoolVarP(&discover, "discover", "d", false, "run the tap in discovery mode, creating the catalog")
	rootCmd.Flags().StringVarP(&catalogPath, "catalog", "c", "", "path to the catalog (JSON, or YAML with a .yaml/.yml extension)")
	rootCmd.Flags().StringVarP(&statePath, "state", "s", "", "path to the state file, read at start and written at every checkpoint")

	if err := rootCmd.Execute(); err != nil {
		log.WithFields(log.Fields{"error": err}).Error("error using xtap")
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:          "xtap [PATH_TO_CONFIG_JSON]",
	Version:      version,
	Short:        "xtap - resumable data extraction CLI",
	Long:         `xtap extracts records from databases, RESTful APIs, files and HTML pages, emitting Singer SCHEMA, RECORD and STATE messages on stdout and checkpointing bookmarks so an interrupted run resumes where it left off.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(command *cobra.Command, args []string) error {
		log.SetFormatter(&log.JSONFormatter{})
		log.SetOutput(os.Stderr)

		// Default to config.json if no path is provided
		cfgPath := "config.json"
		if len(args) > 0 {
			cfgPath = args[0]
		} else {
			log.Info("no config JSON path provided, defaulting to config.json")
		}

		cfg, warnings, err := models.ReadConfig(cfgPath)
		for _, w := range warnings {
			log.Warn(w)
		}
		if err != nil {
			return fmt.Errorf("error parsing config JSON: %w", err)
		}

		if cfg.LogLevel != "" {
			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
			}
			log.SetLevel(level)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if discover {
			if err := cmd.Discover(ctx, cfg, catalogPath); err != nil {
				return fmt.Errorf("error discovering catalog: %w", err)
			}
			return nil
		}

		exitCode = cmd.Extract(ctx, cfg, catalogPath, statePath, os.Stdout)
		return nil
	},
}
