package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/smartpm/internal/config"
	"github.com/harun/smartpm/internal/daemon"
	"github.com/harun/smartpm/internal/logger"
	"github.com/harun/smartpm/pkg/retrieval"
)

var (
	retrieveTitle       string
	retrieveDescription string
	retrieveEpic        string
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <projectId>",
	Short: "Run a semantic retrieval against the local index",
	Long: `Run a semantic retrieval for a prospective task directly against the
configured index and print the ranked contexts as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

var contextCmd = &cobra.Command{
	Use:   "context <projectId>",
	Short: "Print the stored project context and previous tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runContext,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index project or task JSON documents into the local index",
}

var indexProjectCmd = &cobra.Command{
	Use:   "project <file|->",
	Short: "Index a project document",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexProject,
}

var indexTaskCmd = &cobra.Command{
	Use:   "task <file|->",
	Short: "Index a task document",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexTask,
}

func init() {
	retrieveCmd.Flags().StringVar(&retrieveTitle, "title", "", "task title")
	retrieveCmd.Flags().StringVar(&retrieveDescription, "description", "", "task description")
	retrieveCmd.Flags().StringVar(&retrieveEpic, "epic", "", "restrict task contexts to this epic")

	indexCmd.AddCommand(indexProjectCmd)
	indexCmd.AddCommand(indexTaskCmd)

	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(indexCmd)
}

// withMemory builds the retrieval stack from the config without serving it
func withMemory(cmd *cobra.Command, fn func(ctx context.Context, memory *retrieval.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	return runWithMemory(cmd.Context(), cfg, log, fn)
}

func runWithMemory(ctx context.Context, cfg *config.Config, log *logger.Logger, fn func(ctx context.Context, memory *retrieval.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(ctx, d.GetMemory())
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	return withMemory(cmd, func(ctx context.Context, memory *retrieval.Service) error {
		resp, err := memory.RetrieveSemantic(ctx, retrieval.RetrieveRequest{
			ProjectID:       strings.TrimSpace(args[0]),
			Title:           retrieveTitle,
			UserDescription: retrieveDescription,
			Epic:            retrieveEpic,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	})
}

func runContext(cmd *cobra.Command, args []string) error {
	return withMemory(cmd, func(ctx context.Context, memory *retrieval.Service) error {
		text, err := memory.GetProjectByID(ctx, args[0])
		if err != nil {
			return err
		}
		tasks, err := memory.GetPreviousTasks(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"projectId": args[0],
			"context":   text,
			"tasks":     tasks,
		})
	})
}

func runIndexProject(cmd *cobra.Command, args []string) error {
	var in retrieval.ProjectInput
	if err := readJSONArg(cmd, args[0], &in); err != nil {
		return err
	}
	return withMemory(cmd, func(ctx context.Context, memory *retrieval.Service) error {
		res, err := memory.IndexProject(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runIndexTask(cmd *cobra.Command, args []string) error {
	var in retrieval.TaskInput
	if err := readJSONArg(cmd, args[0], &in); err != nil {
		return err
	}
	return withMemory(cmd, func(ctx context.Context, memory *retrieval.Service) error {
		res, err := memory.IndexTask(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

// readJSONArg decodes a JSON document from a file path, or stdin for "-"
func readJSONArg(cmd *cobra.Command, path string, v any) error {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON document: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
