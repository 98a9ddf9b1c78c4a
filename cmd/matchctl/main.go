// matchctl is the operator CLI for the orchestrator's read-only status
// endpoints plus session cancellation and resubmission.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/matchcut/pkg/rigapi"
)

var (
	serverURL string
	asJSON    bool
)

func main() {
	root := &cobra.Command{
		Use:           "matchctl",
		Short:         "Inspect and control matchcut recording sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("MATCHCUT_URL", "http://localhost:8080"), "orchestrator base URL")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON responses")

	sessions := &cobra.Command{Use: "sessions", Short: "Session commands"}
	sessions.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsEventsCmd(),
		newSessionsCancelCmd(),
		newSessionsResubmitCmd(),
	)
	root.AddCommand(sessions, newSearchCmd(), newAuditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "matchctl:", err)
		os.Exit(1)
	}
}

func newSessionsListCmd() *cobra.Command {
	var filterState string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/sessions"
			if filterState != "" {
				path += "?state=" + url.QueryEscape(strings.ToUpper(filterState))
			}
			var sessions []rigapi.SessionSummary
			if err := getJSON(path, &sessions); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTATE\tCAMERAS\tEVENTS\tDEGRADED\tOFFLOADED\tLAST ERROR")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%v\t%v\t%s\n",
					s.ID, s.State, s.Cameras, s.Events, s.Degraded, s.Offloaded, s.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filterState, "state", "", "filter by session state")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's assets, jobs and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail rigapi.SessionDetail
			if err := getJSON("/api/v1/sessions/"+url.PathEscape(args[0]), &detail); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), detail)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s  state=%s degraded=%v cancelled=%v offloaded=%v\n",
				detail.ID, detail.State, detail.Degraded, detail.Cancelled, detail.Offloaded)
			if detail.LastError != "" {
				fmt.Fprintf(out, "last error: %s\n", detail.LastError)
			}
			if len(detail.ExpectedCameras) > 0 {
				fmt.Fprintf(out, "expected cameras: %s\n", strings.Join(detail.ExpectedCameras, ", "))
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CAMERA\tOFFSET_MS\tDURATION_MS\tCONSUMED\tPATH")
			for _, a := range detail.Assets {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%v\t%s\n", a.CameraID, a.OffsetMS, a.DurationMS, a.Consumed, a.Path)
			}
			fmt.Fprintln(tw, "\nSTAGE\tSTATE\tATTEMPT\tNEXT_RETRY\tERROR")
			for _, j := range detail.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", j.Stage, j.State, j.Attempt, j.MaxAttempts, j.NextRetryAt, j.LastError)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if detail.Artifacts != nil {
				fmt.Fprintf(out, "\nartifact layout=%s full=%s proxy=%s\n",
					detail.Artifacts.Layout, detail.Artifacts.PathFull, detail.Artifacts.PathProxy)
			}
			return nil
		},
	}
}

func newSessionsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <session-id>",
		Short: "Print the consolidated event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []rigapi.EventRecord
			if err := getJSON("/api/v1/sessions/"+url.PathEscape(args[0])+"/events", &events); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
}

func newSessionsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session and stop further processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rigapi.CancelResponse
			if err := postJSON("/api/v1/sessions/"+url.PathEscape(args[0])+"/cancel", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled=%v state=%s\n", resp.Accepted, resp.State)
			return nil
		},
	}
}

func newSessionsResubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <session-id>",
		Short: "Reopen a failed session for a corrected upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rigapi.ResubmitResponse
			if err := postJSON("/api/v1/sessions/"+url.PathEscape(args[0])+"/resubmit", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resubmitted=%v state=%s\n", resp.Accepted, resp.State)
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search detected events by type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {args[0]}}
			if sessionID != "" {
				q.Set("session_id", sessionID)
			}
			var events []rigapi.EventRecord
			if err := getJSON("/api/v1/events/search?"+q.Encode(), &events); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "limit to one session")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var sessionID string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"limit": {fmt.Sprint(limit)}}
			if sessionID != "" {
				q.Set("session_id", sessionID)
			}
			var events []rigapi.AuditEvent
			if err := getJSON("/api/v1/audit?"+q.Encode(), &events); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tSESSION\tDETAILS")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt, e.Action, e.SessionID, e.Details)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "limit to one session")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

func printEvents(out io.Writer, events []rigapi.EventRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTART_MS\tEND_MS\tCONF\tCAMERAS")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%s\n", e.Type, e.StartMS, e.EndMS, e.Confidence, strings.Join(e.Cameras, ","))
	}
	return tw.Flush()
}

func httpClient() *http.Client { return &http.Client{Timeout: 30 * time.Second} }

func getJSON(path string, out any) error {
	resp, err := httpClient().Get(strings.TrimRight(serverURL, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(path string, out any) error {
	resp, err := httpClient().Post(strings.TrimRight(serverURL, "/")+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body := io.LimitReader(resp.Body, 4<<20)
	if resp.StatusCode >= 400 {
		var apiErr rigapi.ErrorResponse
		if err := json.NewDecoder(body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.NewDecoder(body).Decode(out)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
