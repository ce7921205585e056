package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/jobflow/internal/handler"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/service"
)

var (
	jobName       string
	jobSchedule   string
	jobType       string
	jobTarget     string
	jobPayload    string
	jobMaxRetries int
	jobPriority   string
	jobDisabled   bool
	jobEnabled    bool

	instJobID  string
	instStatus []string
	instFrom   string
	instTo     string
	instLimit  int
	instOffset int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage job definitions and their instances",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new job",
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := parsePriority(jobPriority)
		if err != nil {
			return respond("", "", err)
		}
		spec := service.JobSpec{
			Name:     jobName,
			Schedule: jobSchedule,
			Type:     jobType,
			Target:   jobTarget,
			Priority: priority,
			Disabled: jobDisabled,
		}
		if jobPayload != "" {
			spec.Payload = json.RawMessage(jobPayload)
		}
		if cmd.Flags().Changed("max-retries") {
			spec.MaxRetries = &jobMaxRetries
		}
		id, err := jobService().CreateJob(cmd.Context(), spec)
		return respond(id, "job created", err)
	},
}

var jobUpdateCmd = &cobra.Command{
	Use:   "update <job-id>",
	Short: "Change fields of an existing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var upd service.JobUpdate
		flags := cmd.Flags()
		if flags.Changed("name") {
			upd.Name = &jobName
		}
		if flags.Changed("schedule") {
			upd.Schedule = &jobSchedule
		}
		if flags.Changed("target") {
			upd.Target = &jobTarget
		}
		if flags.Changed("payload") {
			upd.Payload = json.RawMessage(jobPayload)
		}
		if flags.Changed("max-retries") {
			upd.MaxRetries = &jobMaxRetries
		}
		if flags.Changed("priority") {
			p, err := parsePriority(jobPriority)
			if err != nil {
				return respond[*model.JobDefinition](nil, "", err)
			}
			upd.Priority = &p
		}
		def, err := jobService().UpdateJob(cmd.Context(), args[0], upd)
		return respond(def, "job updated", err)
	},
}

var jobEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Resume scheduling a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := jobService().EnableJob(cmd.Context(), args[0])
		return respond(def, "job enabled", err)
	},
}

var jobDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Stop scheduling a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := jobService().DisableJob(cmd.Context(), args[0])
		return respond(def, "job disabled", err)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := jobService().GetJob(cmd.Context(), args[0])
		return respond(def, "", err)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := jobService().ListJobs(cmd.Context(), jobEnabled)
		return respond(defs, "", err)
	},
}

var jobInstancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List job instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := instanceFilter()
		if err != nil {
			return respond[[]*model.JobInstance](nil, "", err)
		}
		insts, err := jobService().ListInstances(cmd.Context(), filter)
		return respond(insts, "", err)
	},
}

var jobInstanceCmd = &cobra.Command{
	Use:   "instance <instance-id>",
	Short: "Show a job instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := jobService().GetInstance(cmd.Context(), args[0])
		return respond(inst, "", err)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel a waiting or running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := jobService().CancelInstance(cmd.Context(), args[0])
		return respond(st, "cancellation requested", err)
	},
}

func init() {
	for _, c := range []*cobra.Command{jobCreateCmd, jobUpdateCmd} {
		c.Flags().StringVar(&jobName, "name", "", "Job name")
		c.Flags().StringVar(&jobSchedule, "schedule", "", "Six-field cron expression (seconds first)")
		c.Flags().StringVar(&jobTarget, "target", "", "URL, command line, path or image the job acts on")
		c.Flags().StringVar(&jobPayload, "payload", "", "JSON payload passed to the job handler")
		c.Flags().IntVar(&jobMaxRetries, "max-retries", 3, "Retries after the first attempt")
		c.Flags().StringVar(&jobPriority, "priority", "normal", "Priority (low|normal|high)")
	}
	jobCreateCmd.Flags().StringVar(&jobType, "type", "", "Job type")
	jobCreateCmd.Flags().BoolVar(&jobDisabled, "disabled", false, "Register without scheduling")
	_ = jobCreateCmd.MarkFlagRequired("name")
	_ = jobCreateCmd.MarkFlagRequired("schedule")
	_ = jobCreateCmd.MarkFlagRequired("type")

	jobListCmd.Flags().BoolVar(&jobEnabled, "enabled", false, "Only list enabled jobs")

	jobInstancesCmd.Flags().StringVar(&instJobID, "job", "", "Filter by job ID")
	jobInstancesCmd.Flags().StringSliceVar(&instStatus, "status", nil, "Filter by status (PENDING|RUNNING|SUCCEEDED|RETRY_SCHEDULED|DEAD)")
	jobInstancesCmd.Flags().StringVar(&instFrom, "from", "", "Only instances scheduled at or after this RFC 3339 time")
	jobInstancesCmd.Flags().StringVar(&instTo, "to", "", "Only instances scheduled at or before this RFC 3339 time")
	jobInstancesCmd.Flags().IntVar(&instLimit, "limit", 50, "Max rows")
	jobInstancesCmd.Flags().IntVar(&instOffset, "offset", 0, "Rows to skip")

	jobCmd.AddCommand(jobCreateCmd, jobUpdateCmd, jobEnableCmd, jobDisableCmd, jobGetCmd,
		jobListCmd, jobInstancesCmd, jobInstanceCmd, jobCancelCmd)
	rootCmd.AddCommand(jobCmd)
}

func jobService() *service.JobService {
	return service.NewJobService(store, logger, service.WithJobTypes(handler.EnabledTypes(cfg.Dispatcher)...))
}

func parsePriority(s string) (model.JobPriority, error) {
	switch s {
	case "low":
		return model.JobPriorityLow, nil
	case "", "normal":
		return model.JobPriorityNormal, nil
	case "high":
		return model.JobPriorityHigh, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", service.ErrValidation, s)
}

func instanceFilter() (model.InstanceFilter, error) {
	filter := model.InstanceFilter{JobID: instJobID, Limit: instLimit, Offset: instOffset}
	for _, s := range instStatus {
		st, ok := model.ParseInstanceStatus(s)
		if !ok {
			return filter, fmt.Errorf("%w: unknown instance status %q", service.ErrValidation, s)
		}
		filter.Status = append(filter.Status, st)
	}
	var err error
	if filter.From, err = parseTimeFlag("from", instFrom); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeFlag("to", instTo); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%w: --%s: %w", service.ErrValidation, name, err)
	}
	t = t.UTC()
	return &t, nil
}
