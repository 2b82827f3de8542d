package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/jobintel/internal/config"
	"github.com/kalambet/jobintel/internal/enrich"
	"github.com/kalambet/jobintel/internal/storage"
)

// --- enrich ---

var enrichCmd = &cobra.Command{
	Use:   "enrich <job_id>",
	Short: "Run enrichment for a stored job against the configured store",
	Long: `Run enrichment for a stored job against the configured store.

Without flags the cached record is returned, or computed and stored once.

Examples:
  jobintel enrich 1844064313115
  jobintel enrich 1844064313115 --refresh
  jobintel enrich --id 6f1c... --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		internalID, _ := cmd.Flags().GetString("id")

		sel := enrich.Selector{ID: internalID}
		if len(args) == 1 {
			sel.JobID = args[0]
		}
		if sel.Empty() {
			return errors.New("a job id argument or --id is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg.Log, os.Stderr)

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		if dryRun {
			printStep("Calling %s model %s (nothing is stored)", cfg.LLM.Provider, cfg.LLM.Model)
			outcome := a.invoker.Invoke(ctx, sel)
			if err := writeIndented(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if !outcome.Succeeded() {
				return fmt.Errorf("enrichment failed: %s", outcome.Kind)
			}
			return nil
		}

		job, err := resolveJob(ctx, a.store, sel)
		if err != nil {
			return err
		}
		result := a.orchestrator.Get(ctx, job, refresh)
		if err := writeIndented(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		return reportResult(result)
	},
}

func init() {
	enrichCmd.Flags().Bool("refresh", false, "recompute instead of using the cached record")
	enrichCmd.Flags().Bool("dry-run", false, "call the model and print the outcome without touching the cache")
	enrichCmd.Flags().String("id", "", "internal job id, used when no job id argument is given")
}

func resolveJob(ctx context.Context, store storage.Repository, sel enrich.Selector) (storage.Job, error) {
	var (
		job storage.Job
		err error
	)
	if sel.JobID != "" {
		job, err = store.GetJobByExternalID(ctx, sel.JobID)
	} else {
		job, err = store.GetJob(ctx, sel.ID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, fmt.Errorf("job not found")
	}
	return job, err
}

func reportResult(r enrich.Result) error {
	switch r.State {
	case enrich.StateCacheHit:
		printSuccess("Served from cache")
	case enrich.StatePersisted:
		printSuccess("Computed and stored")
	case enrich.StateRefreshed:
		printSuccess("Recomputed (not stored)")
	case enrich.StatePersistFailed:
		printWarning("Computed but could not be stored: %v", r.Outcome.Err)
	default:
		return fmt.Errorf("enrichment failed: %s", r.Outcome.Kind)
	}
	return nil
}

// --- detail ---

var detailCmd = &cobra.Command{
	Use:   "detail <job_id>",
	Short: "Fetch a job with its enrichment and comments from the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		noComments, _ := cmd.Flags().GetBool("no-comments")
		byID, _ := cmd.Flags().GetBool("internal")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var out any
		if err := fetchDetail(cmd.Context(), client, args[0], byID, refresh, !noComments, &out); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), out)
	},
}

func init() {
	detailCmd.Flags().Bool("refresh", false, "ask the server to recompute the enrichment")
	detailCmd.Flags().Bool("no-comments", false, "omit comments")
	detailCmd.Flags().Bool("internal", false, "treat the argument as an internal id")
}

func fetchDetail(ctx context.Context, client *apiClient, id string, byID, refresh, needComments bool, out any) error {
	q := url.Values{}
	if byID {
		q.Set("id", id)
	} else {
		q.Set("job_id", id)
	}
	if refresh {
		q.Set("refresh_llm", "true")
	}
	if !needComments {
		q.Set("need_comments", "false")
	}

	resp, err := client.get(ctx, "/jobs/detail?"+q.Encode())
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// --- import ---

type importFile struct {
	Job      json.RawMessage   `json:"job"`
	Comments []json.RawMessage `json:"comments"`
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Submit a job and its comments from a JSON file to the running server",
	Long: `Submit a job and its comments from a JSON file to the running server.

The file holds {"job": {...}, "comments": [...]}. Comments are optional;
submitting them queues background enrichment.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		var in importFile
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return importJob(cmd.Context(), client, in)
	},
}

func importJob(ctx context.Context, client *apiClient, in importFile) error {
	var job struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(in.Job, &job); err != nil {
		return fmt.Errorf("job must be an object: %w", err)
	}

	resp, err := client.post(ctx, "/jobs", map[string]any{"job": in.Job})
	if err != nil {
		return err
	}
	var created struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(resp, &created); err != nil {
		return err
	}
	printSuccess("%s", created.Message)

	if len(in.Comments) == 0 {
		return nil
	}
	resp, err = client.post(ctx, "/jobs/comments", map[string]any{
		"job_id":   job.JobID,
		"comments": in.Comments,
	})
	if err != nil {
		return err
	}
	var added struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(resp, &added); err != nil {
		return err
	}
	printSuccess("%s", added.Message)
	return nil
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a job with its comments and enrichment (requires JOBINTEL_ADMIN_TOKEN)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if client.token == "" {
			return errors.New("JOBINTEL_ADMIN_TOKEN is not set")
		}

		resp, err := client.delete(cmd.Context(), "/admin/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result struct {
			Message string `json:"message"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s", result.Message)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			printWarning("config: %v", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient = &http.Client{Timeout: 2 * time.Second}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		printStatus("Storage", "%s", cfg.Storage.Driver)
		if cfg.Storage.Driver == "sqlite" {
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
		}
		printStatus("Model", "%s/%s", cfg.LLM.Provider, cfg.LLM.Model)
		printStatus("Lock", "%s", cfg.Lock.Backend)
		if cfg.Worker.SweepEnabled() {
			printStatus("Queue sweep", "%s", cfg.Worker.SweepSchedule)
		} else {
			printStatus("Queue sweep", "disabled")
		}
		printStatus("Admin routes", "%s", enabledLabel(cfg.Server.AdminToken != ""))
		return nil
	},
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
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
		cfg, err := config.Read()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "%s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
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

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
