package exporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"desklicense/internal/files"
	"desklicense/internal/repository"
)

// SheetName is the worksheet holding the ledger in XLSX exports.
const SheetName = "Licenses"

// Columns of every ledger export, in order.
var Columns = []string{
	"id", "kid", "customer", "edition", "seats", "fingerprint_id",
	"issued_at", "expires_at", "revoked", "revoked_at", "deleted_at", "notes",
}

// Options tune an export.
type Options struct {
	Format Format
	// NoBOM drops the UTF-8 byte order mark from CSV output.
	NoBOM bool
}

// Exporter renders license ledgers.
type Exporter struct {
	logger *slog.Logger
}

// New creates an exporter.
func New(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger.With(slog.String("component", "exporter"))}
}

// Row flattens one ledger entry into export columns.
func Row(l repository.StoredLicense) []string {
	return []string{
		l.ID,
		l.Kid,
		l.Customer,
		l.Edition,
		formatInt(l.Seats),
		l.FingerprintID,
		formatTime(l.IssuedAt),
		formatTime(l.ExpiresAt),
		formatBool(l.Revoked()),
		formatOptionalTime(l.RevokedAt),
		formatOptionalTime(l.DeletedAt),
		l.Notes,
	}
}

// Export writes licenses to w in opts.Format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, licenses []repository.StoredLicense, opts Options) error {
	format := opts.Format
	if format == "" {
		format = FormatCSV
	}

	var err error
	switch format {
	case FormatCSV:
		err = e.writeCSV(w, licenses, !opts.NoBOM)
	case FormatXLSX:
		err = e.writeXLSX(w, licenses)
	default:
		_, err = ParseFormat(string(format))
	}
	if err != nil {
		return err
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, "license ledger exported",
		slog.String("format", string(format)),
		slog.Int("record_count", len(licenses)),
	)
	return nil
}

// ExportFile writes licenses to path atomically. The format follows the
// extension unless opts.Format is set.
func (e *Exporter) ExportFile(ctx context.Context, path string, licenses []repository.StoredLicense, opts Options) error {
	if opts.Format == "" {
		opts.Format = FormatFromPath(path)
	}
	var buf bytes.Buffer
	if err := e.Export(ctx, &buf, licenses, opts); err != nil {
		return err
	}
	if err := files.WriteAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write export %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (e *Exporter) writeCSV(w io.Writer, licenses []repository.StoredLicense, bom bool) error {
	stream, err := NewStreamWriter(w, Columns, bom)
	if err != nil {
		return err
	}
	for _, l := range licenses {
		if err := stream.WriteRecord(Row(l)); err != nil {
			return fmt.Errorf("failed to write license %s: %w", l.ID, err)
		}
	}
	return stream.Close()
}

func (e *Exporter) writeXLSX(w io.Writer, licenses []repository.StoredLicense) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]interface{}, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, err := excelize.ColumnNumberToName(len(Columns))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetName, "A1", last+"1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	for i, l := range licenses {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			l.ID, l.Kid, l.Customer, l.Edition, l.Seats, l.FingerprintID,
			formatTime(l.IssuedAt), formatTime(l.ExpiresAt), l.Revoked(),
			formatOptionalTime(l.RevokedAt), formatOptionalTime(l.DeletedAt), l.Notes,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write license %s: %w", l.ID, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
