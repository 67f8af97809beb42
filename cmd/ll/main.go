package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/app"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/quote"
	"leadline/internal/repo"
	"leadline/internal/resume"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline runs a lead qualification wizard as a service: a step state
machine over a durable lead store, with CRM delivery through a retrying
dispatch queue. Use 'll serve' to start the API and 'll dispatch worker' to
drain the queue from a separate process.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(uidCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var worker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Listen
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				if worker {
					if err := a.StartWorker(ctx); err != nil {
						return err
					}
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Queue:    a.Queue,
					Resume:   a.Resume,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&worker, "worker", true, "run the dispatch worker in this process")
	return cmd
}

func leadCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lead", Short: "Inspect leads"}
	cmd.AddCommand(leadListCmd())
	cmd.AddCommand(leadShowCmd())
	return cmd
}

func leadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListLeads(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Branch", "Step", "Deposit", "Updated"})
				for _, l := range items {
					tw.AppendRow(table.Row{
						l.ID,
						strings.TrimSpace(l.Identity.FirstName + " " + l.Identity.LastName),
						l.Identity.Email,
						l.FlowBranch,
						l.CurrentStep.String(),
						l.DepositPaid,
						l.UpdatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func leadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show a lead record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Leads.Read(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dispatch", Short: "Operate the CRM dispatch queue"}
	cmd.AddCommand(dispatchListCmd())
	cmd.AddCommand(dispatchRetryCmd())
	cmd.AddCommand(dispatchWorkerCmd())
	return cmd
}

func dispatchListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and failed dispatch events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListDispatchEvents(ctx, domain.DispatchStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Kind", "Step", "Status", "Attempts", "Last error"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.LeadID, e.Kind, e.StepID, e.Status, e.Attempts, e.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|in_flight|failed)")
	return cmd
}

func dispatchRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Requeue a failed dispatch event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var id int64
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("invalid event id %q", args[0])
				}
				if err := a.Repo.RequeueDispatchEvent(ctx, id); err != nil {
					return err
				}
				fmt.Printf("event %d requeued\n", id)
				return nil
			})
		},
	}
}

func dispatchWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the dispatch worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.StartWorker(ctx); err != nil {
					return err
				}
				fmt.Println("dispatch worker running; ctrl-c to stop")
				<-ctx.Done()
				return nil
			})
		},
	}
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Inspect progress checkpoints"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <lead-id>",
		Short: "List a lead's completed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Progress.Checkpoints(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Completed at", "Snapshot bytes"})
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.StepID, cp.CompletedAt, len(cp.Snapshot)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func quoteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quote", Short: "Run the recommendation and pricing rules"}
	cmd.AddCommand(quoteRecommendCmd())
	cmd.AddCommand(quotePriceCmd())
	return cmd
}

func quoteRecommendCmd() *cobra.Command {
	var turnover, team, urgency, businessType string
	var priorities []string
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Recommend a tier from qualification answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := quote.Recommend(domain.QualificationAnswers{
				BusinessType:  businessType,
				TurnoverBand:  turnover,
				TeamStructure: team,
				Urgency:       urgency,
				Priorities:    priorities,
			})
			fmt.Println(tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&turnover, "turnover", "", "turnover band (under-250k|250k-1m|1m-5m|over-5m)")
	cmd.Flags().StringVar(&team, "team", "", "team structure")
	cmd.Flags().StringVar(&urgency, "urgency", "", "urgency")
	cmd.Flags().StringVar(&businessType, "business-type", "", "business type")
	cmd.Flags().StringSliceVar(&priorities, "priority", nil, "priority (repeatable)")
	return cmd
}

func quotePriceCmd() *cobra.Command {
	var tier, turnover string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Price a tier for a turnover band",
		RunE: func(cmd *cobra.Command, args []string) error {
			band, err := quote.Price(domain.Tier(tier), turnover)
			if err != nil {
				return err
			}
			annual := quote.AnnualPrice(band.Min)
			fmt.Printf("£%d-£%d/month, £%d/year (saves £%d)\n", band.Min, band.Max, annual, quote.AnnualSavings(band.Min))
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "gold", "tier (silver|gold|platinum)")
	cmd.Flags().StringVar(&turnover, "turnover", "under-250k", "turnover band")
	return cmd
}

func uidCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "uid", Short: "Resume code utilities"}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a resume code",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := resume.NewUID()
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check <code>",
		Short: "Validate a resume code's format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := resume.NormalizeUID(args[0])
			if !resume.ValidUID(code) {
				return fmt.Errorf("%s is not a valid resume code", code)
			}
			fmt.Printf("%s is valid\n", code)
			return nil
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage admin API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an admin API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				key := "llk_" + hex.EncodeToString(raw)
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := a.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				fmt.Printf("api key created (store it now, it is not retrievable):\n%s\n", key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
