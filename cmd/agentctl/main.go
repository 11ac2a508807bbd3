// Command agentctl chạy Agent OS trên file SQLite cục bộ, không cần HTTP server.
// Dữ liệu ops board nằm trong bộ nhớ và được seed lại ở mỗi lần chạy khi APP_MODE=demo.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"fleet_ops/config"
	"fleet_ops/internal/api/agentos/action"
	agentosmodels "fleet_ops/internal/api/agentos/models"
	agentossvc "fleet_ops/internal/api/agentos/service"
	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/api/middleware"
	"fleet_ops/internal/global"
	"fleet_ops/internal/logger"
	"fleet_ops/internal/opsboard"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// session giữ service đã mở cho một lần chạy lệnh
type session struct {
	cfg   *config.Configuration
	store *store.SQLiteStore
	svc   *agentossvc.AgentOSService
}

func (s *session) Close() {
	s.svc.Idempotency().Close()
	_ = s.store.Close()
}

var (
	flagDB     string
	flagTenant string
	flagActor  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "Fleet Ops Agent OS operator CLI",
		Long:          "agentctl plans and executes Agent OS runs against a local SQLite state file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(&logger.LogConfig{Level: "warn", Format: "text", Output: "stdout", BufferSize: 100}); err != nil {
				return err
			}
			global.InitValidator()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite state file (default: SQLITE_PATH)")
	rootCmd.PersistentFlags().StringVarP(&flagTenant, "tenant", "t", "", "Tenant id (default: DEFAULT_TENANT_ID)")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "Actor recorded on runs and approvals (default: agentctl-<session>)")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newTokenCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		logger.Shutdown()
		os.Exit(1)
	}
	logger.Shutdown()
}

func loadConfig() (*config.Configuration, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagDB != "" {
		cfg.SQLitePath = flagDB
	}
	if flagTenant == "" {
		flagTenant = cfg.DefaultTenantID
	}
	if flagActor == "" {
		flagActor = "agentctl-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	catalog := action.NewCatalog(opsboard.NewMemoryBoard(cfg.IsDemoMode()))
	svc := agentossvc.NewAgentOSService(st, catalog, catalog, agentossvc.Options{
		ActionTimeout:  cfg.ActionTimeout(),
		IdempotencyTTL: cfg.IdempotencyTTL(),
	})
	if _, err := svc.SeedPoliciesFromFile(ctx, cfg.PolicySeedFile); err != nil {
		st.Close()
		return nil, err
	}
	return &session{cfg: cfg, store: st, svc: svc}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printView(view *agentosmodels.RunView, asJSON bool) error {
	if asJSON {
		return printJSON(view)
	}
	run := view.Run
	fmt.Printf("Run %s [%s] tenant=%s actor=%s\n", run.RunID, run.Status, run.TenantID, run.Actor)
	fmt.Printf("Objective: %s\n", run.Objective)
	for _, step := range view.Steps {
		line := fmt.Sprintf("  #%d %-24s %-10s", step.StepIndex, step.ActionType, step.Status)
		if step.Error != "" {
			line += " error=" + step.Error
		}
		fmt.Println(line)
	}
	for _, a := range view.Approvals {
		fmt.Printf("  approval %s step=%s %s\n", a.ApprovalID, a.StepID, a.Status)
	}
	if run.BlockedApprovalID != "" {
		fmt.Printf("Waiting for approval: agentctl approve %s %s\n", run.RunID, run.BlockedApprovalID)
	}
	for _, e := range run.Errors {
		fmt.Printf("Error: %s\n", e)
	}
	return nil
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <objective>",
		Short: "Show the action plan for an objective without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			maxSteps, _ := cmd.Flags().GetInt("max-steps")
			for i, at := range agentossvc.BuildPlan(strings.Join(args, " "), maxSteps) {
				fmt.Printf("%d. %s\n", i+1, at)
			}
			return nil
		},
	}
	cmd.Flags().Int("max-steps", 12, "Maximum number of steps")
	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <objective>",
		Short: "Plan and execute a run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			autonomy, _ := cmd.Flags().GetString("autonomy")
			mode, _ := cmd.Flags().GetString("mode")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			maxSteps, _ := cmd.Flags().GetInt("max-steps")
			asJSON, _ := cmd.Flags().GetBool("json")

			objective := strings.TrimSpace(strings.Join(args, " "))
			if len(objective) < 3 {
				return fmt.Errorf("objective must have at least 3 characters")
			}

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.svc.CreateRun(ctx, agentossvc.RunRequest{
				TenantID:      flagTenant,
				Actor:         flagActor,
				Role:          middleware.RoleAdmin,
				Objective:     objective,
				AutonomyLevel: agentosmodels.AutonomyLevel(autonomy),
				ExecutionMode: agentosmodels.ExecutionMode(mode),
				DryRun:        dryRun,
				MaxSteps:      maxSteps,
			})
			if err != nil {
				return fmt.Errorf("failed to run objective: %w", err)
			}
			return printView(view, asJSON)
		},
	}
	cmd.Flags().String("autonomy", string(agentosmodels.AutonomyL3), "Autonomy level (L1, L2, L3)")
	cmd.Flags().String("mode", string(agentosmodels.ExecutionHybrid), "Execution mode (state_first, ui_first, hybrid)")
	cmd.Flags().Bool("dry-run", false, "Record the plan without executing actions")
	cmd.Flags().Int("max-steps", 12, "Maximum number of steps")
	cmd.Flags().Bool("json", false, "Print the run view as JSON")
	return cmd
}

func newApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <runId> <approvalId>",
		Short: "Approve (or reject with --reject) the approval blocking a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reject, _ := cmd.Flags().GetBool("reject")
			note, _ := cmd.Flags().GetString("note")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.svc.DecideApproval(ctx, agentossvc.DecisionRequest{
				TenantID:   flagTenant,
				RunID:      args[0],
				ApprovalID: args[1],
				Actor:      flagActor,
				Role:       middleware.RoleAdmin,
				Approve:    !reject,
				Note:       note,
			})
			if err != nil {
				return err
			}
			return printView(view, asJSON)
		},
	}
	cmd.Flags().Bool("reject", false, "Reject instead of approve")
	cmd.Flags().String("note", "", "Decision note")
	cmd.Flags().Bool("json", false, "Print the run view as JSON")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs of the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			pending, _ := cmd.Flags().GetBool("pending")

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if pending {
				rows, err := s.svc.ListPendingApprovals(ctx, flagTenant, limit)
				if err != nil {
					return err
				}
				for _, a := range rows {
					fmt.Printf("%s  run=%s step=%s  %s\n", a.ApprovalID, a.RunID, a.StepID, a.Note)
				}
				return nil
			}

			runs, err := s.svc.ListRuns(ctx, flagTenant, limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %-17s %s  %s\n", r.RunID, r.Status, time.UnixMilli(r.CreatedAt).Format(time.RFC3339), r.Objective)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", agentossvc.DefaultRunsLimit, "Maximum number of rows")
	cmd.Flags().Bool("pending", false, "List pending approvals instead of runs")
	return cmd
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <runId>",
		Short: "Show a run with its steps and approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.svc.GetRun(ctx, flagTenant, args[0])
			if err != nil {
				return err
			}
			return printView(view, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "Print the run view as JSON")
	return cmd
}

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			rules, err := s.svc.ListPolicies(ctx)
			if err != nil {
				return err
			}
			for _, r := range rules {
				fmt.Printf("%-28s %-24s enabled=%-5t approval=%-5t min_conf=%.2f max_targets=%d\n",
					r.PolicyID, r.ActionType, r.Enabled, r.RequiresAdminApproval, r.MinConfidence, r.MaxTargets)
			}
			return nil
		},
	}
	cmd.AddCommand(newPolicySetCommand())
	return cmd
}

func newPolicySetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <policyId>",
		Short: "Update fields of a policy; only flags that are passed are changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch agentosmodels.PolicyPatch
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				v, _ := flags.GetBool("enabled")
				patch.Enabled = &v
			}
			if flags.Changed("approval") {
				v, _ := flags.GetBool("approval")
				patch.RequiresAdminApproval = &v
			}
			if flags.Changed("min-confidence") {
				v, _ := flags.GetFloat64("min-confidence")
				if v < 0 || v > 1 {
					return fmt.Errorf("min-confidence must be within [0,1]")
				}
				patch.MinConfidence = &v
			}
			if flags.Changed("max-targets") {
				v, _ := flags.GetInt("max-targets")
				if v < 1 {
					return fmt.Errorf("max-targets must be at least 1")
				}
				patch.MaxTargets = &v
			}

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			rule, err := s.svc.PatchPolicy(ctx, args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(rule)
		},
	}
	cmd.Flags().Bool("enabled", true, "Enable or disable the policy")
	cmd.Flags().Bool("approval", false, "Require admin approval")
	cmd.Flags().Float64("min-confidence", 0, "Minimum confidence in [0,1]")
	cmd.Flags().Int("max-targets", 0, "Maximum targets per action")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer JWT for the HTTP API (requires JWT_SECRET)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JwtSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := middleware.IssueToken(cfg.JwtSecret, flagTenant, flagActor, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("role", middleware.RoleAdmin, "Role claim (dispatcher, billing, admin)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
