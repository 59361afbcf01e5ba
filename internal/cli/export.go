package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

var (
	exportFormat string
	exportKind   string
)

var exportCmd = &cobra.Command{
	Use:   "export <funnel-id>",
	Short: "Export raw events or sessions",
	Long: `Export a funnel's raw events or sessions in CSV or JSON format.

Examples:
  fgt export <funnel-id> --format csv > events.csv
  fgt export <funnel-id> --kind sessions --format json > sessions.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	exportCmd.Flags().StringVar(&exportKind, "kind", "events", "what to export (events or sessions)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	funnelID := args[0]

	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}
	if exportKind != "events" && exportKind != "sessions" {
		return fmt.Errorf("invalid kind: must be 'events' or 'sessions'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if _, err := s.GetFunnel(ctx, tenant, funnelID); err != nil {
			return notFound(err, "funnel", funnelID)
		}

		if exportKind == "sessions" {
			sessions, err := s.ListSessionsInWindow(ctx, tenant, funnelID, time.UnixMilli(0), time.Now().Add(time.Minute), "")
			if err != nil {
				return fmt.Errorf("failed to get sessions: %w", err)
			}
			if exportFormat == "csv" {
				return exportSessionsCSV(out, sessions)
			}
			return printJSON(out, map[string]any{"sessions": sessions})
		}

		events, err := s.ListFunnelEvents(ctx, tenant, funnelID)
		if err != nil {
			return fmt.Errorf("failed to get events: %w", err)
		}
		if exportFormat == "csv" {
			return exportEventsCSV(out, events)
		}
		return printJSON(out, map[string]any{"events": events})
	})
}

func exportEventsCSV(out io.Writer, events []*store.Event) error {
	w := csv.NewWriter(out)

	header := []string{"event_time", "session_id", "seq", "type", "page_id", "element_id",
		"is_conversion", "conversion_value", "time_from_start", "time_from_last_event"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.EventTime.UTC().Format(time.RFC3339Nano),
			e.SessionID,
			strconv.Itoa(e.Seq),
			e.Type,
			e.PageID,
			e.ElementID,
			strconv.FormatBool(e.IsConversion),
			strconv.FormatFloat(e.ConversionValue, 'f', -1, 64),
			strconv.FormatFloat(e.TimeFromStart, 'f', 3, 64),
			strconv.FormatFloat(e.TimeFromLastEvent, 'f', 3, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

func exportSessionsCSV(out io.Writer, sessions []*store.Session) error {
	w := csv.NewWriter(out)

	header := []string{"created_at", "session_id", "visitor_id", "variant_id", "status", "device", "source",
		"entry_page_id", "exit_page_id", "page_views", "time_spent", "converted", "conversion_value"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, sess := range sessions {
		row := []string{
			sess.CreatedAt.UTC().Format(time.RFC3339Nano),
			sess.ID,
			sess.Visitor.VisitorID,
			sess.VariantID,
			string(sess.Status),
			sess.Device,
			sess.Source,
			sess.EntryPageID,
			sess.ExitPageID,
			strconv.Itoa(sess.TotalPageViews),
			strconv.FormatFloat(sess.TotalTimeSpent, 'f', 3, 64),
			strconv.FormatBool(sess.Converted),
			strconv.FormatFloat(sess.ConversionValue, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}
