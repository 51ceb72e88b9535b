package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldwatch/internal/app"
	"fieldwatch/internal/domain"
	"fieldwatch/internal/nlp"
	"fieldwatch/internal/outbox"
	fieldwatchsdk "fieldwatch/sdk/go"
)

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Queue a moderation action and sync",
		Long:  "Each action is persisted to the outbox with a fresh actionId before any network attempt, then one sync pass runs. Use --queue-only to leave it for a later 'fw outbox sync'.",
	}
	act.PersistentFlags().Bool("queue-only", false, "persist without syncing")
	for _, a := range []struct{ name, short string }{
		{"claim", "Claim an incident"},
		{"verify", "Verify an incident"},
		{"reject", "Reject and close an incident"},
		{"request-info", "Ask the reporter for more information"},
	} {
		act.AddCommand(&cobra.Command{
			Use:   a.name + " <incident-id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return queueAction(cmd, incidentPath(args[0], a.name), nil)
			},
		})
	}
	act.AddCommand(actionNoteCmd())
	act.AddCommand(actionStatusCmd())
	act.AddCommand(actionFNOLCmd())
	return act
}

func actionNoteCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "note <incident-id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required")
			}
			return queueAction(cmd, incidentPath(args[0], "note"), map[string]any{"note": text})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "note content")
	return cmd
}

func actionStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <incident-id>",
		Short: "Change incident status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.Status(status).Valid() {
				return fmt.Errorf("--status must be one of Reported, In Progress, Resolved, Closed")
			}
			return queueAction(cmd, incidentPath(args[0], "status"), map[string]any{"status": status})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func actionFNOLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fnol <incident-id>",
		Short: "Submit the incident to the insurer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return queueAction(cmd, "/insurer/fnol", map[string]any{"incidentId": args[0]})
		},
	}
}

func incidentPath(id, action string) string {
	return fmt.Sprintf("/incidents/%s/%s", url.PathEscape(id), action)
}

func queueAction(cmd *cobra.Command, endpoint string, payload map[string]any) error {
	queueOnly, _ := cmd.Flags().GetBool("queue-only")
	return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
		env, err := c.Dispatcher.Do(ctx, http.MethodPost, endpoint, payload)
		if err != nil {
			return err
		}
		out := map[string]any{"actionId": env.ActionID, "url": env.URL, "queued": true}
		if !queueOnly {
			res, err := c.Worker.SyncOnce(ctx)
			if err != nil {
				return err
			}
			_, getErr := c.Store.Get(ctx, env.ActionID)
			out["queued"] = getErr == nil
			out["sync"] = res
		}
		if viper.GetBool("json") {
			return printJSON(out)
		}
		if out["queued"] == true {
			fmt.Printf("queued %s (%s)\n", env.ActionID, env.URL)
		} else {
			fmt.Printf("delivered %s (%s)\n", env.ActionID, env.URL)
		}
		return nil
	})
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect and drain the local outbox"}
	ob.AddCommand(outboxListCmd())
	ob.AddCommand(outboxSyncCmd())
	ob.AddCommand(outboxWatchCmd())
	ob.AddCommand(outboxDiscardsCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending actions in delivery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				items, err := c.Store.Drain(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action ID", "Method", "URL", "Attempts", "Next Attempt", "Last Error"})
				for _, env := range items {
					tw.AppendRow(table.Row{env.ActionID, env.Method, env.URL, env.AttemptCount, env.NextAttemptAt.Local().Format(time.Stamp), env.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func outboxSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one delivery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				res, err := c.Worker.SyncOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("delivered=%d retried=%d discarded=%d deferred=%d\n", res.Delivered, res.Retried, res.Discarded, res.Deferred)
				return nil
			})
		},
	}
}

func outboxWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep draining the outbox until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				fmt.Println("watching outbox; Ctrl-C to stop")
				if err := c.Worker.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
}

func outboxDiscardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discards",
		Short: "List actions the server rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				items, err := c.Store.Discards(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action ID", "URL", "Status", "Reason", "Discarded"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ActionID, d.URL, d.Status, d.Reason, d.DiscardedAt.Local().Format(time.Stamp)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func incidentsCmd() *cobra.Command {
	inc := &cobra.Command{Use: "incidents", Short: "Read incidents from the server"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List incidents (verified only unless --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				items, err := api.Incidents(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Status", "Verified", "Claimed By", "FNOL", "Reported"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Type, i.Severity, i.Status, i.IsVerified, i.ClaimedBy, i.Fnol.Status, i.Timestamp.Local().Format(time.Stamp)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include unverified incidents")
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one incident with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				i, err := api.Incident(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(i)
			})
		},
	}
	inc.AddCommand(list, get)
	return inc
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Manage alert rules"}
	rules.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List alert rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				items, err := api.Rules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Enabled", "Type", "Severity", "Count", "Window (min)", "Radius (m)", "Template"})
				for _, r := range items {
					enabled := r.IsEnabled == nil || *r.IsEnabled
					c := r.Conditions
					tw.AppendRow(table.Row{r.ID, r.Name, enabled, c.Type, c.SeverityThreshold, c.IncidentCountThreshold, c.TimeWindowMinutes, c.RadiusMeters, r.Action.TemplateID})
				}
				tw.Render()
				return nil
			})
		},
	})
	rules.AddCommand(rulesCreateCmd())
	rules.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an alert rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				if err := api.DeleteRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return rules
}

func rulesCreateCmd() *cobra.Command {
	var (
		name, condType, severity, templateID string
		count, window                        int
		radius                               float64
		recipients                           []string
		disabled                             bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an alert rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := fieldwatchsdk.Rule{
				Name: name,
				Conditions: domain.ConditionSpec{
					Type:                   domain.ConditionType(condType),
					SeverityThreshold:      domain.Severity(severity),
					IncidentCountThreshold: count,
					TimeWindowMinutes:      window,
					RadiusMeters:           radius,
				},
				Action: domain.AlertAction{TemplateID: templateID, Recipients: []domain.AlertRecipient{}},
			}
			if disabled {
				off := false
				rule.IsEnabled = &off
			}
			for _, raw := range recipients {
				kind, target, ok := strings.Cut(raw, ":")
				if !ok {
					return fmt.Errorf("recipient %q must be type:target", raw)
				}
				rule.Action.Recipients = append(rule.Action.Recipients, domain.AlertRecipient{Type: kind, Target: target})
			}
			if _, err := rule.Conditions.Build(); err != nil {
				return err
			}
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				created, err := api.CreateRule(ctx, rule)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Println("created", created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&condType, "type", string(domain.ConditionSingleIncident), "condition type: density or single_incident")
	cmd.Flags().StringVar(&severity, "severity", string(domain.SeverityHigh), "minimum severity")
	cmd.Flags().IntVar(&count, "count", 0, "density: incidents needed")
	cmd.Flags().IntVar(&window, "window", 0, "density: time window in minutes")
	cmd.Flags().Float64Var(&radius, "radius", 0, "density: radius in meters")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "recipient as type:target (email, sms, push, ivr); repeatable")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the rule disabled")
	return cmd
}

func alertsCmd() *cobra.Command {
	alerts := &cobra.Command{Use: "alerts", Short: "Inspect fired alerts"}
	alerts.AddCommand(&cobra.Command{
		Use:   "logs",
		Short: "List fired alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				items, err := api.AlertLogs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Rule", "Triggered By", "Recipients", "Message"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.Timestamp.Local().Format(time.Stamp), l.RuleName, l.TriggeredBy, len(l.Recipients), l.DispatchedMessage})
				}
				tw.Render()
				return nil
			})
		},
	})
	return alerts
}

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Upload a kiosk batch (JSON array of events)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var events []map[string]any
			if err := json.Unmarshal(data, &events); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				res, err := api.KioskSync(ctx, events)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s success=%d errors=%d\n", res.Message, res.SuccessCount, res.ErrorCount)
				for _, e := range res.Errors {
					fmt.Println("  -", e)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to events JSON")
	return cmd
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Classify a social post locally",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			post := nlp.Classify(domain.SocialPost{ID: "cli", Content: strings.Join(args, " "), Timestamp: time.Now().UTC()})
			if viper.GetBool("json") {
				return printJSON(post)
			}
			fmt.Printf("%s sentiment=%.2f keywords=%s\n", post.Classification, post.Sentiment, strings.Join(post.Keywords, ","))
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <user-id>",
		Short: "DEV ONLY: mint a bearer token for a configured user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd.Context(), func(ctx context.Context, api *fieldwatchsdk.Client) error {
				token, err := api.DevLogin(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
}

// withAPI runs fn with an API client for reads that bypass the outbox.
func withAPI(ctx context.Context, fn func(context.Context, *fieldwatchsdk.Client) error) error {
	api := fieldwatchsdk.New(viper.GetString("server"))
	if bp := viper.GetString("base-path"); bp != "" {
		api.BasePath = bp
	}
	api.ActorID = viper.GetString("actor-id")
	api.BearerToken = viper.GetString("token")
	return fn(ctx, api)
}

var _ outbox.Sender = (*fieldwatchsdk.Client)(nil)
