package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gopherbridge/internal/config"
	"github.com/user/gopherbridge/internal/daemon"
	"github.com/user/gopherbridge/internal/scheduler"
	"github.com/user/gopherbridge/internal/state"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd, taskRunCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "prompt text (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression")
	taskAddCmd.Flags().String("source", "", "platform the reply goes to (required)")
	taskAddCmd.Flags().String("channel", "", "channel the reply goes to (required)")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	_ = taskAddCmd.MarkFlagRequired("source")
	_ = taskAddCmd.MarkFlagRequired("channel")
}

func openTasks() (*state.TaskStore, *sql.DB, error) {
	cfg := loadConfig()
	db, err := state.Open(filepath.Join(cfg.DataDir, daemon.DBFile))
	if err != nil {
		return nil, nil, err
	}
	return state.NewTaskStore(db), db, nil
}

// withTasks runs fn against the task store and closes it afterwards.
func withTasks(fn func(ctx context.Context, store *state.TaskStore) error) error {
	store, db, err := openTasks()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), store)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
	Long:  "Tasks inject a prompt into a channel's session on a cron schedule. Schedule changes apply on the next daemon restart.",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		source, _ := cmd.Flags().GetString("source")
		channel, _ := cmd.Flags().GetString("channel")

		if schedule != "" {
			if err := scheduler.ValidateSchedule(schedule); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}
		}

		return withTasks(func(ctx context.Context, store *state.TaskStore) error {
			err := store.Add(ctx, &state.Task{
				Name:      name,
				Prompt:    prompt,
				Schedule:  schedule,
				Source:    source,
				ChannelID: channel,
				Enabled:   true,
			})
			if err != nil {
				return fmt.Errorf("add task: %w", err)
			}
			fmt.Printf("Task %q added.\n", name)
			return nil
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTasks(func(ctx context.Context, store *state.TaskStore) error {
			tasks, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tSOURCE\tCHANNEL")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", t.Name, t.Schedule, t.Enabled, t.Source, t.ChannelID)
			}
			return w.Flush()
		})
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTasks(func(ctx context.Context, store *state.TaskStore) error {
			if err := store.Remove(ctx, args[0]); err != nil {
				return fmt.Errorf("remove task: %w", err)
			}
			fmt.Printf("Task %q removed.\n", args[0])
			return nil
		})
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], true)
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], false)
	},
}

func setTaskEnabled(name string, enabled bool) error {
	return withTasks(func(ctx context.Context, store *state.TaskStore) error {
		if err := store.SetEnabled(ctx, name, enabled); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		verb := "disabled"
		if enabled {
			verb = "enabled"
		}
		fmt.Printf("Task %q %s.\n", name, verb)
		return nil
	})
}

var taskRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a task now through the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.API.Addr == "" {
			return fmt.Errorf("api.addr is not set; the daemon API is required to run tasks")
		}
		req, err := http.NewRequest(http.MethodPost, "http://"+cfg.API.Addr+"/api/tasks/"+args[0]+"/run", nil)
		if err != nil {
			return err
		}
		if cfg.API.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.API.Token)
		}
		client := &http.Client{Timeout: config.Millis(cfg.RunTimeoutMS) + 10*time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(body, &e)
			return fmt.Errorf("run task: %s (%d)", e.Error, resp.StatusCode)
		}
		var out struct {
			Response  string `json:"response"`
			Delivered bool   `json:"delivered"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Println(out.Response)
		if !out.Delivered {
			fmt.Fprintln(os.Stderr, "warning: reply was not delivered to the channel")
		}
		return nil
	},
}
