package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	orchestrator "github.com/devicefarm/orchestrator"
)

// taskFile is the YAML batch format accepted by `devicefarm run -f`.
type taskFile struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	ID             string                    `yaml:"id"`
	Type           string                    `yaml:"type"`
	Priority       string                    `yaml:"priority"`
	Requirements   orchestrator.Requirements `yaml:"requirements"`
	Parameters     map[string]any            `yaml:"parameters"`
	TimeoutSeconds int                       `yaml:"timeout_seconds"`
	MaxRetries     int                       `yaml:"max_retries"`
}

func (e taskEntry) definition() *orchestrator.TaskDefinition {
	return &orchestrator.TaskDefinition{
		TaskID:       strings.TrimSpace(e.ID),
		Type:         strings.TrimSpace(e.Type),
		Priority:     orchestrator.ParsePriority(e.Priority),
		Requirements: e.Requirements,
		Parameters:   e.Parameters,
		Timeout:      time.Duration(e.TimeoutSeconds) * time.Second,
		MaxRetries:   e.MaxRetries,
	}
}

func loadTaskFile(path string) ([]taskEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read task file %s", path)
	}
	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse task file %s", path)
	}
	if len(file.Tasks) == 0 {
		return nil, errors.Errorf("task file %s contains no tasks", path)
	}
	return file.Tasks, nil
}

func newRunCmd() *cobra.Command {
	var (
		flagFile string
		flagWait bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a batch of tasks from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(flagFile) == "" {
				return errors.New("--file is required")
			}
			entries, err := loadTaskFile(flagFile)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			orc, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}
			orc.RegisterHandler("shell", orchestrator.ShellCommandHandler(orc.Bridge()))

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Without --wait the tasks are only persisted as pending; a
			// serve daemon picks them up through startup recovery.
			if flagWait {
				if err := orc.Start(sigCtx); err != nil {
					return err
				}
			}

			taskIDs := make([]string, 0, len(entries))
			for _, entry := range entries {
				taskID, submitErr := orc.SubmitTask(sigCtx, entry.definition())
				if submitErr != nil {
					log.Error().Err(submitErr).Str("type", entry.Type).Msg("task rejected")
					continue
				}
				taskIDs = append(taskIDs, taskID)
				fmt.Println(taskID)
			}
			if len(taskIDs) == 0 {
				_ = orc.Stop(context.Background())
				return errors.New("no tasks were accepted")
			}

			var waitErr error
			if flagWait {
				waitErr = waitForTasks(sigCtx, orc, taskIDs)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if stopErr := orc.Stop(shutdownCtx); waitErr == nil && stopErr != nil {
				waitErr = stopErr
			}
			return waitErr
		},
	}

	cmd.Flags().StringVarP(&flagFile, "file", "f", "", "YAML file with the task batch (required)")
	cmd.Flags().BoolVar(&flagWait, "wait", false, "Wait for every task to reach a terminal state")
	return cmd
}

// waitForTasks polls until every submitted task is terminal, then prints a
// summary. Interrupting prints the summary for whatever has settled so far.
func waitForTasks(ctx context.Context, orc *orchestrator.Orchestrator, taskIDs []string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	interrupted := false
	for !allTerminal(ctx, orc, taskIDs) {
		select {
		case <-ctx.Done():
			interrupted = true
		case <-ticker.C:
		}
		if interrupted {
			break
		}
	}

	failed := printTaskSummary(orc, taskIDs)
	if interrupted {
		return errors.New("interrupted before all tasks finished")
	}
	if failed > 0 {
		return errors.Errorf("%d of %d tasks did not complete", failed, len(taskIDs))
	}
	return nil
}

func allTerminal(ctx context.Context, orc *orchestrator.Orchestrator, taskIDs []string) bool {
	for _, taskID := range taskIDs {
		exec, ok := orc.GetTaskStatus(ctx, taskID)
		if !ok || !exec.Status.Terminal() {
			return false
		}
	}
	return true
}

// printTaskSummary renders the final table and returns how many tasks ended
// in a state other than completed.
func printTaskSummary(orc *orchestrator.Orchestrator, taskIDs []string) int {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tDEVICE\tRETRIES\tDETAIL")
	failed := 0
	for _, taskID := range taskIDs {
		exec, ok := orc.GetTaskStatus(context.Background(), taskID)
		if !ok {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", taskID, "unknown")
			failed++
			continue
		}
		if exec.Status != orchestrator.TaskCompleted {
			failed++
		}
		detail := exec.Result
		if exec.Error != "" {
			detail = exec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			taskID, exec.Status, orDash(exec.DeviceSerial), exec.RetryCount, orDash(truncate(detail, 80)))
	}
	_ = w.Flush()
	return failed
}

func truncate(val string, limit int) string {
	val = strings.TrimSpace(strings.ReplaceAll(val, "\n", " "))
	if len(val) <= limit {
		return val
	}
	return val[:limit-3] + "..."
}
