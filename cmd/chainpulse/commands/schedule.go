package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/pulse/schedule"
	"github.com/teranos/chainpulse/sym"
	"github.com/teranos/chainpulse/workflow"
)

// ScheduleCmd manages workflow schedules
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Manage workflow schedules",
	Long: sym.Pulse + ` schedule - run stored workflows on cron expressions.

Schedules are evaluated by "chainpulse dispatch". Expressions use five fields
(minute hour day-of-month month day-of-week) in the schedule's timezone.

Examples:
  chainpulse schedule add <workflow-id> "0 */6 * * *"
  chainpulse schedule add <workflow-id> "30 9 * * 1-5" --timezone Europe/Amsterdam
  chainpulse schedule ls
  chainpulse schedule pause <schedule-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <workflow-id> <cron-expression>",
	Short: "Schedule a workflow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timezone, _ := cmd.Flags().GetString("timezone")
		ctx := context.Background()

		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		if _, err := workflow.NewStore(conn).Get(ctx, args[0]); err != nil {
			return err
		}
		sc := &schedule.Schedule{WorkflowID: args[0], CronExpression: args[1], Timezone: timezone}
		if err := schedule.NewStore(conn).Create(ctx, sc); err != nil {
			return err
		}

		pterm.Success.Printf("Created schedule %s\n", sc.ID)
		if next, err := schedule.NextOccurrence(sc.CronExpression, sc.Timezone, time.Now()); err == nil {
			pterm.Info.Printf("Next run: %s\n", next.Format(time.RFC3339))
		}
		return nil
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowID, _ := cmd.Flags().GetString("workflow")

		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		schedules, err := schedule.NewStore(conn).List(context.Background(), workflowID)
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			pterm.Info.Println("No schedules")
			return nil
		}

		now := time.Now()
		data := pterm.TableData{{"ID", "WORKFLOW", "CRON", "TIMEZONE", "ACTIVE", "LAST TRIGGERED", "NEXT"}}
		for _, sc := range schedules {
			next := "-"
			if sc.Active {
				if t, err := schedule.NextOccurrence(sc.CronExpression, sc.Timezone, now); err == nil {
					next = t.Format("2006-01-02 15:04 MST")
				}
			}
			active := "no"
			if sc.Active {
				active = "yes"
			}
			data = append(data, []string{
				sc.ID, sc.WorkflowID, sc.CronExpression, sc.Timezone, active,
				formatOptionalTime(sc.LastTriggeredAt), next,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func newScheduleToggleCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDatabase("")
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := schedule.NewStore(conn).SetActive(context.Background(), args[0], active); err != nil {
				return err
			}
			pterm.Success.Printf("Schedule %s %sd\n", args[0], use)
			return nil
		},
	}
}

func init() {
	scheduleAddCmd.Flags().String("timezone", "UTC", "IANA timezone the expression is evaluated in")
	scheduleLsCmd.Flags().String("workflow", "", "Only schedules of this workflow")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(newScheduleToggleCmd("pause", "Stop dispatching a schedule", false))
	ScheduleCmd.AddCommand(newScheduleToggleCmd("resume", "Resume dispatching a schedule", true))
}

// formatOptionalTime renders a nullable timestamp for tables
func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
