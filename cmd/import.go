package cmd

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/output"
	"github.com/marcus/callsync/internal/syncconfig"
)

// importRow is one device-log entry in an import file. StartedAt accepts
// unix milliseconds or RFC 3339.
type importRow struct {
	Number        string `json:"number"`
	Type          string `json:"type"`
	StartedAt     stamp  `json:"started_at"`
	Duration      int64  `json:"duration"`
	ContactName   string `json:"contact_name"`
	RecordingPath string `json:"recording_path"`
}

// stamp holds started_at as text whether the JSON carried a number or a string.
type stamp string

func (s *stamp) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = stamp(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("started_at: %w", err)
	}
	*s = stamp(n.String())
	return nil
}

// csvColumns is the header an import CSV must carry. Order is free; only
// number, type and started_at are required.
var csvColumns = []string{"number", "type", "started_at", "duration", "contact_name", "recording_path"}

var importCmd = &cobra.Command{
	Use:   "import <file.csv|file.json>",
	Short: "Bulk import call-log entries",
	Long: `Imports device call-log entries from a CSV file with a header row
(` + strings.Join(csvColumns, ",") + `) or a JSON array of objects with the
same keys. Entries already in the store only refresh their device fields, so
an import can be repeated safely.`,
	GroupID: "calls",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := readImportFile(args[0])
		if err != nil {
			return err
		}
		deviceID, err := syncconfig.DeviceID()
		if err != nil {
			return err
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var created, updated int
		var errs []error
		for i, row := range rows {
			rec, err := row.record(deviceID)
			if err != nil {
				errs = append(errs, fmt.Errorf("entry %d: %w", i+1, err))
				continue
			}
			isNew, err := store.UpsertCall(cmd.Context(), *rec)
			if err != nil {
				errs = append(errs, fmt.Errorf("entry %d: %w", i+1, err))
				continue
			}
			if isNew {
				created++
			} else {
				updated++
			}
		}

		result := map[string]any{"created": created, "updated": updated, "errors": len(errs)}
		if ok, err := output.Structured(os.Stdout, currentFormat(), result); ok {
			if err != nil {
				return err
			}
		} else {
			for _, e := range errs {
				output.Warning("%v", e)
			}
			output.Success("Imported %d new and %d existing calls", created, updated)
		}
		if created+updated == 0 && len(errs) > 0 {
			return errors.Join(errs...)
		}
		return nil
	},
}

func readImportFile(path string) ([]importRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var rows []importRow
		if err := json.NewDecoder(f).Decode(&rows); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return rows, nil
	case ".csv":
		return readImportCSV(f)
	}
	return nil, fmt.Errorf("unsupported import file %q (want .csv or .json)", path)
}

func readImportCSV(r io.Reader) ([]importRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"number", "type", "started_at"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q column", required)
		}
	}
	cell := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var rows []importRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := importRow{
			Number:        cell(rec, "number"),
			Type:          cell(rec, "type"),
			StartedAt:     stamp(cell(rec, "started_at")),
			ContactName:   cell(rec, "contact_name"),
			RecordingPath: cell(rec, "recording_path"),
		}
		if d := cell(rec, "duration"); d != "" {
			row.Duration, err = strconv.ParseInt(d, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: duration %q: %w", line, d, err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// record converts an import row into a CallRecord for this device.
func (r importRow) record(deviceID string) (*models.CallRecord, error) {
	typ, err := models.NormalizeCallType(r.Type)
	if err != nil {
		return nil, err
	}
	if models.NormalizePhone(r.Number) == "" {
		return nil, fmt.Errorf("number %q has no digits", r.Number)
	}
	started, err := parseStartedAt(string(r.StartedAt))
	if err != nil {
		return nil, err
	}
	if r.Duration < 0 {
		return nil, fmt.Errorf("negative duration %d", r.Duration)
	}
	return &models.CallRecord{
		CompositeID:        models.CompositeID(typ, deviceID, r.Number, started),
		PhoneNumber:        r.Number,
		ContactName:        r.ContactName,
		CallType:           typ,
		StartedAt:          started,
		DurationSeconds:    r.Duration,
		RecordingLocalPath: r.RecordingPath,
	}, nil
}

// parseStartedAt accepts unix milliseconds or an RFC 3339 timestamp.
func parseStartedAt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("started_at is required")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("started_at %d out of range", ms)
		}
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("started_at %q: want unix milliseconds or RFC 3339", s)
	}
	return t.UnixMilli(), nil
}

// addCallFlags registers the flags that describe one call.
func addCallFlags(cmd *cobra.Command) {
	cmd.Flags().String("number", "", "phone number")
	cmd.Flags().String("type", "", "incoming, outgoing or missed")
	cmd.Flags().String("started-at", "", "call start (unix ms or RFC 3339)")
	cmd.Flags().Int64("duration", 0, "call length in seconds")
	cmd.Flags().String("contact", "", "contact name")
	cmd.Flags().String("recording", "", "path of the recording file, if known")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("started-at")
}

// callFromFlags builds a CallRecord from addCallFlags flags.
func callFromFlags(cmd *cobra.Command) (*models.CallRecord, error) {
	var r importRow
	r.Number, _ = cmd.Flags().GetString("number")
	r.Type, _ = cmd.Flags().GetString("type")
	started, _ := cmd.Flags().GetString("started-at")
	r.StartedAt = stamp(started)
	r.Duration, _ = cmd.Flags().GetInt64("duration")
	r.ContactName, _ = cmd.Flags().GetString("contact")
	r.RecordingPath, _ = cmd.Flags().GetString("recording")

	deviceID, err := syncconfig.DeviceID()
	if err != nil {
		return nil, err
	}
	return r.record(deviceID)
}

func init() {
	rootCmd.AddCommand(importCmd)
}
