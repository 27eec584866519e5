package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/localanalytics/localanalytics/pkg/admin"
	"github.com/localanalytics/localanalytics/pkg/record"
)

const rule = "────────────────────────────────────────────────────────────"

func newCountsCmd(clientFor func() *client) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Show the number of records in every table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			counts := map[string]int{}
			if err := clientFor().getJSON(cmd.Context(), "/api/v1/counts", nil, &counts); err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), counts)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s %8s  %s\n", "TABLE", "RECORDS", "ORIGINAL DESTINATION")
			fmt.Fprintln(w, rule)
			total := 0
			for _, t := range record.Tables {
				n := counts[string(t)]
				total += n
				fmt.Fprintf(w, "%-20s %8d  %s\n", t, n, t.Destination())
			}
			fmt.Fprintln(w, rule)
			fmt.Fprintf(w, "%-20s %8d\n", "total", total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func newEventsCmd(clientFor func() *client) *cobra.Command {
	var limit int
	var name, workspace, user, sessionID, pageURL, output string

	cmd := &cobra.Command{
		Use:   "events <table>",
		Short: "List the newest records of a table",
		Long: "List the newest records of a table. Tables: analytics_events, error_reports,\n" +
			"session_recordings, page_analytics. --name filters analytics events by event name.\n" +
			"--workspace and --user filter analytics_events or error_reports. --session filters\n" +
			"session_recordings and --url filters page_analytics.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			table, err := record.ParseTable(args[0])
			if err != nil {
				return err
			}

			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/tables/" + string(table)
			filters := map[string]struct {
				value string
				only  record.Table
			}{
				"name":    {name, record.TableAnalyticsEvents},
				"session": {sessionID, record.TableSessionRecordings},
				"url":     {pageURL, record.TablePageAnalytics},
			}
			for param, f := range filters {
				if f.value == "" {
					continue
				}
				if table != f.only {
					return fmt.Errorf("--%s only applies to %s", param, f.only)
				}
				q.Set(param, f.value)
			}
			if workspace != "" {
				q.Set("workspace", workspace)
			}
			if user != "" {
				q.Set("user", user)
			}
			if q.Has("name") || q.Has("session") || q.Has("url") || q.Has("workspace") || q.Has("user") {
				path = "/api/v1/events"
				q.Set("table", string(table))
			}

			var raw []json.RawMessage
			if err := clientFor().getJSON(cmd.Context(), path, q, &raw); err != nil {
				return err
			}
			recs := make([]record.Record, 0, len(raw))
			for _, r := range raw {
				rec, err := record.Decode(table, r)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			printRecords(cmd.OutOrStdout(), table, recs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum records to list")
	cmd.Flags().StringVar(&name, "name", "", "Filter analytics events by event name")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Filter by workspace id")
	cmd.Flags().StringVar(&user, "user", "", "Filter by user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "Filter session recordings by session id")
	cmd.Flags().StringVar(&pageURL, "url", "", "Filter page views by URL")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func newDashboardCmd(clientFor func() *client) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summarize every table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			var d admin.Dashboard
			if err := clientFor().getJSON(cmd.Context(), "/api/v1/dashboard", nil, &d); err != nil {
				return err
			}
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), d)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Local Analytics")
			fmt.Fprintln(w, rule)
			fmt.Fprintf(w, "%-20s %8s  %-22s %s\n", "TABLE", "RECORDS", "ORIGINAL DESTINATION", "LAST UPDATED")
			fmt.Fprintln(w, rule)
			for _, s := range d.Tables {
				last := "-"
				if s.LastUpdated != nil {
					last = s.LastUpdated.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%-20s %8d  %-22s %s\n", s.Table, s.Count, s.OriginalDestination, last)
			}
			fmt.Fprintln(w, rule)
			fmt.Fprintf(w, "Total: %d records (generated %s)\n", d.Total, d.GeneratedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func newServiceErrorsCmd(clientFor func() *client) *cobra.Command {
	var limit int
	var export bool
	var dir, output string

	cmd := &cobra.Command{
		Use:   "service-errors <service>",
		Short: "Show a service's error log",
		Long: "Show the errors a server-side service logged locally. With --dir the log\n" +
			"directory is read directly instead of through the analytics server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			service := args[0]
			w := cmd.OutOrStdout()

			if dir != "" {
				api := admin.New(nil, admin.Options{LogDir: dir})
				if export {
					return api.ExportServiceErrors(service, w)
				}
				reports, err := api.GetServiceErrors(service, limit)
				if err != nil {
					return err
				}
				return printServiceErrors(w, output, reports)
			}

			c := clientFor()
			path := "/api/v1/service-errors/" + url.PathEscape(service)
			if export {
				return c.get(cmd.Context(), path, url.Values{"format": {"export"}}, w)
			}
			var reports []record.ErrorReport
			if err := c.getJSON(cmd.Context(), path, url.Values{"limit": {strconv.Itoa(limit)}}, &reports); err != nil {
				return err
			}
			return printServiceErrors(w, output, reports)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum entries to list")
	cmd.Flags().BoolVar(&export, "export", false, "Write the whole log as a JSON array")
	cmd.Flags().StringVar(&dir, "dir", "", "Read logs from this directory instead of the server")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	return cmd
}

func printServiceErrors(w io.Writer, output string, reports []record.ErrorReport) error {
	if output == "json" {
		return writeJSON(w, reports)
	}
	recs := make([]record.Record, 0, len(reports))
	for _, r := range reports {
		recs = append(recs, r)
	}
	printRecords(w, record.TableErrorReports, recs)
	return nil
}

func printRecords(w io.Writer, table record.Table, recs []record.Record) {
	fmt.Fprintf(w, "%-20s %-36s %s\n", "TIMESTAMP", "ID", "SUMMARY")
	fmt.Fprintln(w, rule)
	for _, r := range recs {
		fmt.Fprintf(w, "%-20s %-36s %s\n", r.RecordTime().Format("2006-01-02 15:04:05"), r.RecordID(), summarize(r))
	}
	if len(recs) == 0 {
		fmt.Fprintf(w, "  (no %s)\n", table)
	}
	fmt.Fprintln(w, rule)
}

func summarize(r record.Record) string {
	switch v := r.(type) {
	case record.AnalyticsEvent:
		s := v.EventName
		if v.WorkspaceID != "" {
			s += " workspace=" + v.WorkspaceID
		}
		if len(v.Properties) > 0 {
			keys := make([]string, 0, len(v.Properties))
			for k := range v.Properties {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			s += fmt.Sprintf(" props=%v", keys)
		}
		return s
	case record.ErrorReport:
		level := v.Level
		if level == "" {
			level = "error"
		}
		return fmt.Sprintf("[%s] %s", level, truncate(v.ErrorMessage, 80))
	case record.SessionRecording:
		return fmt.Sprintf("session=%s duration=%dms pages=%d clicks=%d", v.SessionID, v.Duration, v.PageViews, v.Clicks)
	case record.PageAnalytics:
		return truncate(v.PageURL, 80)
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
