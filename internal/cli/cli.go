package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	internal_http "github.com/fluxo-kt/aza-pg-sub008/internal/http"
	"github.com/fluxo-kt/aza-pg-sub008/internal/log"
	internal_queue "github.com/fluxo-kt/aza-pg-sub008/internal/queue"
	internal_storage "github.com/fluxo-kt/aza-pg-sub008/internal/storage"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	createFlowCmd := &cobra.Command{
		Use:   "create-flow [slug]",
		Short: "Create or replace a flow definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, q := initStoreAndQueue(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, q, log.GetLogger())

			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			baseDelay, _ := cmd.Flags().GetInt("base-delay")
			timeout, _ := cmd.Flags().GetInt("timeout")
			flow, err := svc.CreateFlow(args[0], maxAttempts, baseDelay, timeout)
			if err != nil {
				log.GetLogger().Errorf("Failed to create flow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create flow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created flow '%s' (max_attempts=%d, base_delay=%ds, timeout=%ds)\n",
				flow.Slug, flow.MaxAttempts, flow.BaseDelay, flow.Timeout)
		},
	}
	createFlowCmd.Flags().Int("max-attempts", 0, "Default attempt budget per task (0 uses the engine default)")
	createFlowCmd.Flags().Int("base-delay", 0, "Default retry base delay in seconds (0 uses the engine default)")
	createFlowCmd.Flags().Int("timeout", 0, "Default task visibility timeout in seconds (0 uses the engine default)")

	addStepCmd := &cobra.Command{
		Use:   "add-step [flow-slug] [step-slug]",
		Short: "Add a step to a flow",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store, q := initStoreAndQueue(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, q, log.GetLogger())

			depsArg, _ := cmd.Flags().GetString("deps")
			var deps []string
			if depsArg != "" {
				deps = strings.Split(depsArg, ",")
			}
			stepType := models.SingleStepType
			if isMap, _ := cmd.Flags().GetBool("map"); isMap {
				stepType = models.MapStepType
			}
			step, err := svc.AddStep(args[0], args[1], deps, service.StepOptions{}, stepType)
			if err != nil {
				log.GetLogger().Errorf("Failed to add step: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to add step: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Added %s step '%s' to flow '%s' (deps=%d)\n",
				step.StepType, step.StepSlug, step.FlowSlug, step.DepsCount)
		},
	}
	addStepCmd.Flags().String("deps", "", "Comma-separated dependency step slugs")
	addStepCmd.Flags().Bool("map", false, "Fan the step out over a JSON array input")

	startFlowCmd := &cobra.Command{
		Use:   "start-flow [flow-slug] [input-json]",
		Short: "Start a run of a flow",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store, q := initStoreAndQueue(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, q, log.GetLogger())

			if !json.Valid([]byte(args[1])) {
				fmt.Fprintln(os.Stderr, "Error: input must be valid JSON")
				os.Exit(1)
			}
			run, err := svc.StartFlow(context.Background(), args[0], json.RawMessage(args[1]), "")
			if err != nil {
				log.GetLogger().Errorf("Failed to start flow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to start flow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Started run %s of flow '%s' (%d steps remaining)\n",
				run.RunID, run.FlowSlug, run.RemainingSteps)
		},
	}

	getRunCmd := &cobra.Command{
		Use:   "get-run [run-id]",
		Short: "Show a run and its step states",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, q := initStoreAndQueue(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, q, log.GetLogger())

			rws, err := svc.GetRunWithStates(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to get run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Run %s (flow=%s, status=%s, started=%s)\n",
				rws.Run.RunID, rws.Run.FlowSlug, rws.Run.Status, rws.Run.StartedAt.Format(time.RFC3339))
			if len(rws.Run.Output) > 0 {
				fmt.Fprintf(os.Stdout, "Output: %s\n", string(rws.Run.Output))
			}
			for _, st := range rws.StepStates {
				fmt.Fprintf(os.Stdout, "- %s: %s (remaining_deps=%d)\n", st.StepSlug, st.Status, st.RemainingDeps)
			}
		},
	}

	listFlowsCmd := &cobra.Command{
		Use:   "list-flows",
		Short: "List all flow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			store, q := initStoreAndQueue(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, q, log.GetLogger())

			flows, err := svc.ListFlows()
			if err != nil {
				log.GetLogger().Errorf("Failed to list flows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list flows: %v\n", err)
				os.Exit(1)
			}
			if len(flows) == 0 {
				fmt.Fprintln(os.Stdout, "No flows found.")
				return
			}
			fmt.Fprintln(os.Stdout, "Flows:")
			for _, f := range flows {
				fmt.Fprintf(os.Stdout, "- %s (max_attempts=%d, base_delay=%ds, timeout=%ds, created=%s)\n",
					f.Slug, f.MaxAttempts, f.BaseDelay, f.Timeout, f.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Run: func(cmd *cobra.Command, args []string) {
			store, q := initStoreAndQueue(cmd)
			defer store.Close()

			port, _ := cmd.Flags().GetString("port")
			if err := internal_http.StartServer(port, store, q); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	rootCmd.AddCommand(createFlowCmd, addStepCmd, startFlowCmd, getRunCmd, listFlowsCmd, serveCmd)
}

func initStoreAndQueue(cmd *cobra.Command) (*internal_storage.PostgresStore, *internal_queue.PostgresQueue) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store, internal_queue.NewPostgresQueue(store.DB())
}
