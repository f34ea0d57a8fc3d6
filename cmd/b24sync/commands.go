package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/makshsn/mpk-b24-api-sub000/internal/api"
	"github.com/makshsn/mpk-b24-api-sub000/internal/config"
	"github.com/makshsn/mpk-b24-api-sub000/internal/ingest"
	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
)

func parseItemArgs(args []string) (int, int, error) {
	etid, err := strconv.Atoi(args[0])
	if err != nil || etid <= 0 {
		return 0, 0, fmt.Errorf("invalid entity type id %q", args[0])
	}
	itemID, err := strconv.Atoi(args[1])
	if err != nil || itemID <= 0 {
		return 0, 0, fmt.Errorf("invalid item id %q", args[1])
	}
	return etid, itemID, nil
}

// --- reconcile ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <entityTypeId> <itemId>",
	Short: "Run one forced reconciliation in-process and print the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		etid, itemID, err := parseItemArgs(args)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res := eng.router.Do(ctx, pipeline.Event{
			Event:        pipeline.EventManual,
			EntityTypeID: etid,
			ItemID:       itemID,
		})
		if err := eng.store.SaveRun(ingest.RunFromResult("", res)); err != nil {
			printWarning("failed to journal run: %v", err)
		}

		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("reconciliation failed: %s", res.Action)
		}
		return nil
	},
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <event> <entityTypeId> <itemId>",
	Short: "Queue an event on the running server",
	Long: `Queue an event on the running server.

Examples:
  b24sync send ONCRMDYNAMICITEMUPDATE 1036 5
  b24sync send MANUAL 1036 5`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		etid, itemID, err := parseItemArgs(args[1:])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		id, err := client.sendEvent(cmd.Context(), eventRequest{
			Event:        strings.ToUpper(args[0]),
			EntityTypeID: etid,
			ItemID:       itemID,
		})
		if err != nil {
			return err
		}

		printSuccess("Queued event %s", id)
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the reconciliation journal",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f runFilter
		f.Limit, _ = cmd.Flags().GetInt("limit")
		f.EntityTypeID, _ = cmd.Flags().GetInt("entity")
		f.ItemID, _ = cmd.Flags().GetInt("item")
		f.FailedOnly, _ = cmd.Flags().GetBool("failed")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runs, err := client.listRuns(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <runId>",
	Short: "Show the full result of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		detail, err := client.getRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, detail)
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsListCmd.Flags().Int("entity", 0, "only runs for this entity type id")
	runsListCmd.Flags().Int("item", 0, "only runs for this item id")
	runsListCmd.Flags().Bool("failed", false, "only failed runs")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// --- snapshot ---

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect stored item snapshots",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <entityTypeId> <itemId>",
	Short: "Show the last normalized state stored for an item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		etid, itemID, err := parseItemArgs(args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		snap, err := client.getSnapshot(cmd.Context(), etid, itemID)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, snap)
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotShowCmd)
}

// --- entities ---

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Validate and list the configured entity profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		entities, err := config.LoadEntities(cfg.Engine.EntitiesFile)
		if err != nil {
			return err
		}
		for _, e := range entities {
			fmt.Printf("%s  %s  success=%s failed=%s\n",
				colorize(colorCyan, strconv.Itoa(e.EntityTypeID)),
				colorize(colorBold, e.Name),
				e.Stages.Success,
				strings.Join(e.Stages.Failed, ","),
			)
		}
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:      eng.store,
			Snapshots:  eng.snapshots,
			Reconciler: eng.router,
			Entities:   eng.registry,
		})
		stdio := server.NewStdioServer(mcpSrv)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
