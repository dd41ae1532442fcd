// Package exporter writes the license ledger as spreadsheets.
//
// Two formats are supported:
//
// CSV: encoding/csv with an optional UTF-8 BOM so Excel picks the right
// encoding for customer names.
//
// XLSX: a single "Licenses" sheet built with excelize, with a bold frozen
// header row and date cells.
//
// Example usage:
//
//	exp := exporter.New(logger)
//	err := exp.ExportFile(ctx, "reports/licenses.xlsx", licenses, exporter.Options{})
package exporter
