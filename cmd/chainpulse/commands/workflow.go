package commands

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/workflow"
)

// WorkflowCmd manages stored workflows
var WorkflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage stored workflows",
	Long: `Stored workflows are operations that schedules run on behalf of an organization.

Examples:
  chainpulse workflow add --org acme --type transfer --input transfer.json
  chainpulse workflow ls --org acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// operation types a workflow can store, with the request kind that validates them
var workflowKinds = map[ledger.OperationType]execute.Kind{
	ledger.OpTransfer:          execute.KindTransfer,
	ledger.OpContractCallWrite: execute.KindContractCall,
	ledger.OpCheckAndExecute:   execute.KindCheckAndExecute,
}

var workflowAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a workflow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		name, _ := cmd.Flags().GetString("name")
		typ, _ := cmd.Flags().GetString("type")
		inputPath, _ := cmd.Flags().GetString("input")

		kind, ok := workflowKinds[ledger.OperationType(typ)]
		if !ok {
			return errors.New("--type must be one of transfer, contract-call-write, check-and-execute")
		}
		input, err := os.ReadFile(inputPath)
		if err != nil {
			return errors.Wrap(err, "failed to read --input")
		}
		// reject inputs a worker could never run
		if _, err := execute.Decode(kind, input); err != nil {
			return err
		}

		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		w := &workflow.Workflow{
			OrganizationID: org,
			Name:           name,
			OperationType:  ledger.OperationType(typ),
			Input:          json.RawMessage(input),
		}
		if err := workflow.NewStore(conn).Create(context.Background(), w); err != nil {
			return err
		}
		pterm.Success.Printf("Created workflow %s\n", w.ID)
		return nil
	},
}

var workflowLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workflows for an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")

		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		workflows, err := workflow.NewStore(conn).List(context.Background(), org)
		if err != nil {
			return err
		}
		if len(workflows) == 0 {
			pterm.Info.Println("No workflows")
			return nil
		}

		data := pterm.TableData{{"ID", "ORGANIZATION", "NAME", "TYPE", "CREATED"}}
		for _, w := range workflows {
			data = append(data, []string{
				w.ID, w.OrganizationID, w.Name, string(w.OperationType),
				w.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	workflowAddCmd.Flags().String("org", "", "Organization id")
	workflowAddCmd.Flags().String("name", "", "Workflow name")
	workflowAddCmd.Flags().String("type", string(ledger.OpTransfer), "Operation type")
	workflowAddCmd.Flags().String("input", "", "Path to the operation input JSON")
	_ = workflowAddCmd.MarkFlagRequired("org")
	_ = workflowAddCmd.MarkFlagRequired("input")
	workflowLsCmd.Flags().String("org", "", "Organization id")

	WorkflowCmd.AddCommand(workflowAddCmd)
	WorkflowCmd.AddCommand(workflowLsCmd)
}
