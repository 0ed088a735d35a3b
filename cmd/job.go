package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/models"
	"conduit/internal/orchestrator"
	"conduit/internal/output"
)

var (
	jobAllOrNothing   bool
	jobSkipUserPolicy string
	jobImportingUser  string
	jobListStatus     string
	jobListLimit      int
	jobListOffset     int
	jobErrorsOut      string
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage import jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create <connection-id> <project-id> <scope>",
	Short: "Create and run an import job",
	Long: `Create an import job for a connection and run it to completion in the
foreground. Interrupting with Ctrl-C cancels the job; batches already
pushed are kept and a later re-run picks up where it stopped.

Example:
  conduit job create <connection-id> <project-id> octocat/hello-world`,
	Args: cobra.ExactArgs(3),
	RunE: runJobCreate,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running or queued job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobRerunCmd = &cobra.Command{
	Use:   "rerun <job-id>",
	Short: "Re-run a finished or failed job from scratch",
	Long: `Re-run a job under the same id. Batches are rebuilt from the source;
items imported by the previous run are updated in place through their
external links, never duplicated.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobRerun,
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a job paused on unmapped values",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResume,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its batches and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobErrorsCmd = &cobra.Command{
	Use:   "errors <job-id>",
	Short: "Write the per-batch error report as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobErrors,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobRerunCmd)
	jobCmd.AddCommand(jobResumeCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobErrorsCmd)

	jobCreateCmd.Flags().BoolVar(&jobAllOrNothing, "all-or-nothing", false, "Fail the whole job if any batch fails")
	jobCreateCmd.Flags().StringVar(&jobSkipUserPolicy, "skip-user-policy", models.SkipPolicyAssign, "Unmapped assignee policy (fail/assign_importer)")
	jobCreateCmd.Flags().StringVar(&jobImportingUser, "importing-user", "", "Local user id assigned under assign_importer")
	jobListCmd.Flags().StringVarP(&jobListStatus, "status", "s", "", "Filter by status")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 20, "Maximum jobs to list")
	jobListCmd.Flags().IntVar(&jobListOffset, "offset", 0, "Offset for pagination")
	jobErrorsCmd.Flags().StringVarP(&jobErrorsOut, "out", "o", "", "Output file (default stdout)")
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	connectionID, projectID, scope := args[0], args[1], args[2]

	switch jobSkipUserPolicy {
	case models.SkipPolicyFail, models.SkipPolicyAssign:
	default:
		return fmt.Errorf("invalid skip-user-policy: %s (must be %s or %s)",
			jobSkipUserPolicy, models.SkipPolicyFail, models.SkipPolicyAssign)
	}

	manager := connection.NewManager()
	orch := newOrchestrator(manager)

	job, err := orch.CreateJob(connectionID, projectID, scope, orchestrator.Options{
		AllOrNothing:   jobAllOrNothing,
		SkipUserPolicy: jobSkipUserPolicy,
		ImportingUser:  jobImportingUser,
	})
	if err != nil {
		return err
	}

	if !IsJSONOutput() {
		fmt.Printf("Created job %s, running...\n", job.ID)
	}
	if err := orch.Run(cmd.Context(), job.ID); err != nil {
		return err
	}
	return showJob(job.ID)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	manager := connection.NewManager()
	orch := newOrchestrator(manager)
	if err := orch.Cancel(args[0]); err != nil {
		return err
	}
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "job_id": args[0]})
		return nil
	}
	fmt.Printf("Cancelled: %s\n", args[0])
	return nil
}

func runJobRerun(cmd *cobra.Command, args []string) error {
	manager := connection.NewManager()
	orch := newOrchestrator(manager)
	if err := orch.Rerun(cmd.Context(), args[0]); err != nil {
		return err
	}
	return showJob(args[0])
}

func runJobResume(cmd *cobra.Command, args []string) error {
	manager := connection.NewManager()
	orch := newOrchestrator(manager)
	if err := orch.Resume(cmd.Context(), args[0]); err != nil {
		return err
	}
	return showJob(args[0])
}

func runJobList(cmd *cobra.Command, args []string) error {
	jobs, err := db.ListJobs(jobListStatus, jobListLimit, jobListOffset)
	if err != nil {
		return err
	}
	f := output.New(IsJSONOutput())
	if len(jobs) == 0 && !IsJSONOutput() {
		f.Info("No jobs.")
		return nil
	}
	f.JobList(jobs, "Jobs")
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	return showJob(args[0])
}

func showJob(jobID string) error {
	job, err := db.GetJobByID(jobID)
	if err != nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	batches, err := db.GetJobBatches(jobID)
	if err != nil {
		return err
	}
	progress, err := orchestrator.JobProgress(jobID)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"job": job, "batches": batches, "progress": progress})
		return nil
	}

	f := output.New(false)
	f.Job(job)
	f.KeyValue("Progress", fmt.Sprintf("%.0f%%", progress.Percent))
	if len(batches) > 0 {
		f.Section("Batches")
		f.BatchList(batches)
	}
	return nil
}

func runJobErrors(cmd *cobra.Command, args []string) error {
	w := os.Stdout
	if jobErrorsOut != "" {
		file, err := os.Create(jobErrorsOut)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer file.Close()
		w = file
	}
	if err := orchestrator.WriteErrorReport(args[0], w); err != nil {
		return err
	}
	if jobErrorsOut != "" && !IsJSONOutput() {
		fmt.Printf("Report written to %s\n", jobErrorsOut)
	}
	return nil
}
