// ABOUTME: Client commands that talk to a running gateway over its unix socket
// ABOUTME: submit streams notifications and answers approval prompts while the call runs

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/kaiak-gateway/internal/approval"
	"github.com/2389/kaiak-gateway/internal/client"
	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/gateway"
	"github.com/2389/kaiak-gateway/internal/ingress"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
)

var (
	submitSession   string
	submitWorkspace string
	submitIncidents string
	submitRule      string
	submitMessage   string
	submitApprove   string
	submitOverride  string

	deleteForce bool

	notifySession string
	notifyType    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit incidents with kaiak/generate_fix and stream the results",
	Long: `Submit incidents to a gateway serving a unix socket.

Incidents come from --incidents (a JSON or YAML list) or from --rule and
--message for a single incident. Notifications are printed as they arrive.
Approval prompts are answered with --approve, or interactively when it is
not set.`,
	RunE: runSubmit,
}

var configureCmd = &cobra.Command{
	Use:   "configure <json|file>",
	Short: "Update the gateway's base configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigure,
}

var deleteSessionCmd = &cobra.Command{
	Use:   "delete-session <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteSession,
}

var notifyCmd = &cobra.Command{
	Use:   "notify <payload-json>",
	Short: "Send kaiak/client/user_message to a session",
	Long: `Send a caller notification to a session.

Examples:
  kaiak notify --session s1 --type control_signal '{"action":"cancel"}'
  kaiak notify --session s1 --type user_input '{"text":"use the v2 API"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runNotify,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitSession, "session", "", "Session id (a new one is created when omitted)")
	f.StringVar(&submitWorkspace, "workspace", "", "Workspace directory for a new session")
	f.StringVar(&submitIncidents, "incidents", "", "File with a JSON or YAML list of incidents")
	f.StringVar(&submitRule, "rule", "", "Rule id of a single incident")
	f.StringVar(&submitMessage, "message", "", "Message of a single incident")
	f.StringVar(&submitApprove, "approve", "", "Answer every tool confirmation: allow_once, always_allow or deny")
	f.StringVar(&submitOverride, "override", "", "override_base_config for a new session as JSON")

	deleteSessionCmd.Flags().BoolVar(&deleteForce, "force", false, "Delete even while a call is running")

	notifyCmd.Flags().StringVar(&notifySession, "session", "", "Target session id")
	notifyCmd.Flags().StringVar(&notifyType, "type", ingress.TypeUserInput, "message_type")
	_ = notifyCmd.MarkFlagRequired("session")
}

// dialGateway connects to the socket named by the resolved configuration.
func dialGateway(cmd *cobra.Command) (*client.Client, error) {
	_, eff, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	if eff.Init.SocketPath == "" {
		return nil, errors.New("no gateway socket configured; pass --socket or set init.socket_path")
	}
	logger := setupLogger(cmd.ErrOrStderr(), eff.Init.LogLevel, eff.Init.LogFormat)
	return client.Dial(cmd.Context(), eff.Init.SocketPath, client.Options{Logger: logger})
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	params, err := submitParams()
	if err != nil {
		return err
	}

	c, err := dialGateway(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	var result gateway.GenerateFixResult
	done := make(chan error, 1)
	go func() {
		done <- c.Call(ctx, jsonrpc.MethodGenerateFix, params, &result)
	}()

	out := cmd.OutOrStdout()
	answers := &answerer{client: c, approve: submitApprove, in: bufio.NewReader(cmd.InOrStdin()), out: out}

	for {
		select {
		case n := <-c.Notifications():
			answers.handle(ctx, n)
		case err := <-done:
			// Notifications of the call are queued before its response.
		drain:
			for {
				select {
				case n := <-c.Notifications():
					answers.handle(ctx, n)
				default:
					break drain
				}
			}
			if err != nil {
				return fmt.Errorf("generate_fix: %w", err)
			}
			fmt.Fprintln(out)
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "session %s %s: %d incidents, last sequence %d\n",
				result.SessionID, result.Status, result.IncidentCount, result.LastSequence)
			return nil
		}
	}
}

func submitParams() (gateway.GenerateFixParams, error) {
	var p gateway.GenerateFixParams
	p.SessionID = submitSession

	switch {
	case submitIncidents != "":
		incidents, err := loadIncidents(submitIncidents)
		if err != nil {
			return p, err
		}
		p.Incidents = incidents
	case submitRule != "":
		p.Incidents = []engine.Incident{{
			ID:       "cli-1",
			RuleID:   submitRule,
			Message:  submitMessage,
			Severity: "warning",
		}}
	default:
		return p, errors.New("pass --incidents or --rule")
	}

	if submitWorkspace != "" || submitOverride != "" {
		ac := &gateway.AgentConfig{Workspace: submitWorkspace}
		if ac.Workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return p, err
			}
			ac.Workspace = wd
		}
		if submitOverride != "" {
			if err := json.Unmarshal([]byte(submitOverride), &ac.OverrideBaseConfig); err != nil {
				return p, fmt.Errorf("parsing --override: %w", err)
			}
		}
		p.AgentConfig = ac
	}
	return p, nil
}

// loadIncidents reads a JSON or YAML list of incidents. YAML is normalized
// through JSON so the incident's json tags apply to both.
func loadIncidents(path string) ([]engine.Incident, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading incidents: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw []map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return nil, err
		}
	}

	var incidents []engine.Incident
	if err := json.Unmarshal(data, &incidents); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return incidents, nil
}

// answerer prints notifications and responds to approval prompts.
type answerer struct {
	client  *client.Client
	approve string
	in      *bufio.Reader
	out     io.Writer
}

func (a *answerer) handle(ctx context.Context, n client.Notification) {
	var env streamEnvelope
	if err := json.Unmarshal(n.Params, &env); err != nil {
		fmt.Fprintf(a.out, "%s %s\n", n.Method, n.Params)
		return
	}
	printEnvelope(a.out, env)

	if env.Kind != "user_interaction" {
		return
	}
	var ix approval.Interaction
	if err := json.Unmarshal(env.Payload, &ix); err != nil {
		return
	}

	var msgType string
	var payload any
	switch ix.Type {
	case approval.KindToolConfirmation:
		action := a.approve
		if action == "" {
			action = prompt(a.in, a.out, fmt.Sprintf("    allow %s? [allow_once/always_allow/deny]", ix.Tool), approval.ActionDeny)
		}
		msgType = ingress.TypeToolConfirmation
		payload = map[string]string{"interaction_id": ix.ID, "action": action}
	case approval.KindElicitation:
		answer := prompt(a.in, a.out, "    "+ix.Prompt, "")
		msgType = ingress.TypeElicitationResponse
		payload = map[string]any{"interaction_id": ix.ID, "user_data": map[string]string{"answer": answer}}
	default:
		return
	}

	if _, err := a.client.SendUserMessage(ctx, env.SessionID, msgType, payload); err != nil {
		color.New(color.FgRed).Fprintf(a.out, "    answer not delivered: %v\n", err)
	}
}

// prompt asks a question and returns the answer, or defaultVal on an empty
// line or closed input.
func prompt(in *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}
	line, _ := in.ReadString('\n')
	if line = strings.TrimSpace(line); line == "" {
		return defaultVal
	}
	return line
}

func runConfigure(cmd *cobra.Command, args []string) error {
	fields, err := readFields(args[0])
	if err != nil {
		return err
	}

	c, err := dialGateway(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	var result gateway.ConfigureResult
	if err := c.Call(ctx, jsonrpc.MethodConfigure, fields, &result); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// readFields accepts inline JSON or a path to a TOML, YAML or JSON file.
func readFields(arg string) (map[string]any, error) {
	if strings.HasPrefix(strings.TrimSpace(arg), "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(arg), &fields); err != nil {
			return nil, fmt.Errorf("parsing configuration: %w", err)
		}
		return fields, nil
	}
	return config.LoadFile(arg)
}

func runDeleteSession(cmd *cobra.Command, args []string) error {
	c, err := dialGateway(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	var result gateway.DeleteSessionResult
	params := gateway.DeleteSessionParams{SessionID: args[0], Force: deleteForce}
	if err := c.Call(ctx, jsonrpc.MethodDeleteSession, params, &result); err != nil {
		return fmt.Errorf("delete_session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", result.SessionID)
	return nil
}

func runNotify(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return fmt.Errorf("payload is not JSON: %w", err)
	}

	c, err := dialGateway(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.SendUserMessage(cmd.Context(), notifySession, notifyType, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s (notification_id %s)\n", notifyType, id)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
