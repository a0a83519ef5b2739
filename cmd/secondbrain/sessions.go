package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/clifmt"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/configutil"
)

// apiClient talks to a running `secondbrain serve`.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func apiClientFromCmd(cmd *cobra.Command) *apiClient {
	base := strings.TrimRight(strings.TrimSpace(configutil.FlagOrViperString(cmd, "server-url", "server.url")), "/")
	if base == "" {
		base = "http://127.0.0.1:3000"
	}
	token, _ := cmd.Flags().GetString("auth-token")
	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.TrimSpace(viper.GetString("server.auth_token"))
	}
	return &apiClient{base: base, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, query url.Values, body any) (map[string]any, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("server http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg, ok := out["error"].(string); ok && msg != "" {
			return out, fmt.Errorf("server http %d: %s", resp.StatusCode, msg)
		}
		return out, fmt.Errorf("server http %d", resp.StatusCode)
	}
	return out, nil
}

func (c *apiClient) get(action, sessionID string) (map[string]any, error) {
	q := url.Values{"action": {action}}
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	return c.do(http.MethodGet, "/api/whatsapp", q, nil)
}

func (c *apiClient) post(action string, body map[string]any) (map[string]any, error) {
	return c.do(http.MethodPost, "/api/whatsapp", url.Values{"action": {action}}, body)
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return strings.ToLower(strings.TrimSpace(format))
}

func printResult(cmd *cobra.Command, v any) error {
	format := outputFormat(cmd)
	switch format {
	case "", "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown --output %q (json|yaml|table)", format)
	}
}

func listOf(out map[string]any, key string) []map[string]any {
	raw, _ := out[key].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func printSessionsTable(cmd *cobra.Command, out map[string]any) {
	var rows [][]string
	for _, s := range listOf(out, "sessions") {
		meta, _ := s["metadata"].(map[string]any)
		var detail []string
		for _, k := range []string{"phoneNumber", "deviceName", "platform"} {
			if v := str(meta, k); v != "" {
				detail = append(detail, k+"="+v)
			}
		}
		if v := str(s, "lastActive"); v != "" {
			detail = append(detail, "lastActive="+v)
		}
		rows = append(rows, []string{str(s, "id"), str(s, "status"), strings.Join(detail, " ")})
	}
	clifmt.Print(cmd.OutOrStdout(), clifmt.Table{
		Title:     "Sessions",
		Headers:   []string{"ID", "STATUS", "DETAILS"},
		Rows:      rows,
		EmptyText: "No sessions.",
	})
}

func printHealthTable(cmd *cobra.Command, out map[string]any) {
	var rows [][]string
	for _, h := range listOf(out, "health") {
		healthy := "no"
		if b, _ := h["healthy"].(bool); b {
			healthy = "yes"
		}
		rows = append(rows, []string{str(h, "sessionId"), healthy, str(h, "state"), str(h, "reason")})
	}
	clifmt.Print(cmd.OutOrStdout(), clifmt.Table{
		Title:     "Health",
		Headers:   []string{"ID", "HEALTHY", "STATE", "REASON"},
		Rows:      rows,
		EmptyText: "No sessions.",
	})
}

func sessionArg(args []string) string {
	if len(args) > 0 {
		return strings.TrimSpace(args[0])
	}
	return "default"
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions on a running server",
	}
	cmd.PersistentFlags().String("server-url", "", "Server base URL (defaults to server.url).")
	cmd.PersistentFlags().String("auth-token", "", "Bearer token (defaults to server.auth_token).")
	cmd.PersistentFlags().StringP("output", "o", "json", "Output format: json|yaml (list and health also accept table).")

	readCmd := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [session-id]",
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := apiClientFromCmd(cmd).get(action, sessionArg(args))
				if err != nil {
					return err
				}
				return printResult(cmd, out)
			},
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions with aggregate stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiClientFromCmd(cmd).get("sessions", "")
			if err != nil {
				return err
			}
			if outputFormat(cmd) == "table" {
				printSessionsTable(cmd, out)
				return nil
			}
			return printResult(cmd, out)
		},
	}
	health := &cobra.Command{
		Use:   "health",
		Short: "Report per-session health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiClientFromCmd(cmd).get("health", "")
			if err != nil {
				return err
			}
			if outputFormat(cmd) == "table" {
				printHealthTable(cmd, out)
				return nil
			}
			return printResult(cmd, out)
		},
	}

	initCmd := func(use, short, action string) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " [session-id]",
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := map[string]any{"sessionId": sessionArg(args)}
				if cmd.Flags().Changed("auto-reply") {
					v, _ := cmd.Flags().GetBool("auto-reply")
					body["autoReply"] = v
				}
				if cmd.Flags().Changed("ai") {
					v, _ := cmd.Flags().GetBool("ai")
					body["aiEnabled"] = v
				}
				if nums, _ := cmd.Flags().GetStringSlice("authorized"); len(nums) > 0 {
					body["authorizedNumbers"] = nums
				}
				out, err := apiClientFromCmd(cmd).post(action, body)
				if err != nil {
					return err
				}
				return printResult(cmd, out)
			},
		}
		c.Flags().Bool("auto-reply", true, "Reply to chat commands.")
		c.Flags().Bool("ai", true, "Enable the ai command.")
		c.Flags().StringSlice("authorized", nil, "Allowed sender numbers (repeatable; an empty list rejects every sender).")
		return c
	}

	simplePost := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [session-id]",
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := apiClientFromCmd(cmd).post(action, map[string]any{"sessionId": sessionArg(args)})
				if err != nil {
					return err
				}
				return printResult(cmd, out)
			},
		}
	}

	restore := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Recreate a session from a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiClientFromCmd(cmd).post("restore", map[string]any{"backupFile": strings.TrimSpace(args[0])})
			if err != nil {
				return err
			}
			return printResult(cmd, out)
		},
	}

	send := &cobra.Command{
		Use:   "send <jid> <message>",
		Short: "Send a text message through a connected session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			title, _ := cmd.Flags().GetString("title")
			body := map[string]any{"sessionId": strings.TrimSpace(sessionID), "jid": args[0]}
			action := "send"
			if strings.TrimSpace(title) != "" {
				action = "notification"
				body["title"] = title
				body["content"] = args[1]
			} else {
				body["message"] = args[1]
			}
			out, err := apiClientFromCmd(cmd).post(action, body)
			if err != nil {
				return err
			}
			return printResult(cmd, out)
		},
	}
	send.Flags().String("session", "default", "Session id to send from.")
	send.Flags().String("title", "", "Send as a formatted notification with this title.")

	cmd.AddCommand(
		list,
		health,
		readCmd("status", "Show the connection status of a session", "status"),
		readCmd("qr", "Fetch the current pairing code, forcing a new one when none is cached", "qr"),
		readCmd("force-qr", "Force a fresh pairing code", "force-qr"),
		initCmd("initialize", "Create a session unless it is already connected", "initialize"),
		initCmd("reinitialize", "Drop and recreate a session", "reinitialize"),
		simplePost("disconnect", "Log out and delete a session", "disconnect"),
		simplePost("backup", "Write a backup of a session record", "backup"),
		restore,
		send,
	)
	return cmd
}
