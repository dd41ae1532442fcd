package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/license"
)

const tracerName = "desklicense/repository"

// Row layout of the ledger sheet. The first row holds these headers.
var sheetColumns = []string{
	"id", "kid", "customer", "edition", "seats", "fingerprint_id",
	"issued_at", "expires_at", "notes", "payload_b64", "signature_b64",
	"created_at", "revoked_at", "deleted_at",
}

const (
	colID = iota
	colKid
	colCustomer
	colEdition
	colSeats
	colFingerprint
	colIssuedAt
	colExpiresAt
	colNotes
	colPayload
	colSignature
	colCreatedAt
	colRevokedAt
	colDeletedAt
	numColumns
)

const sheetTimeLayout = time.RFC3339

// Sheets stores one license per row of a Google Sheets tab.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheets creates a Sheets repository. opts are passed to the API client,
// typically option.WithCredentialsFile.
func NewSheets(ctx context.Context, spreadsheetID, sheetName string, opts ...option.ClientOption) (*Sheets, error) {
	if spreadsheetID == "" || sheetName == "" {
		return nil, fmt.Errorf("sheets repository needs a spreadsheet id and sheet name")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}, nil
}

func (s *Sheets) trace(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "repository.sheets."+op,
		trace.WithAttributes(attribute.String("sheets.operation", op)),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type sheetRow struct {
	number  int // 1-based row in the sheet
	license StoredLicense
}

func (s *Sheets) readAll(ctx context.Context) ([]sheetRow, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read from sheets: %w", err)
	}

	rows := make([]sheetRow, 0, len(resp.Values))
	for i, raw := range resp.Values {
		if len(raw) == 0 || cell(raw, colID) == "" || cell(raw, colID) == sheetColumns[colID] {
			continue
		}
		l, err := parseRow(raw)
		if err != nil {
			return nil, fmt.Errorf("sheet row %d: %w", i+1, err)
		}
		rows = append(rows, sheetRow{number: i + 1, license: l})
	}
	return rows, nil
}

func (s *Sheets) all(ctx context.Context) ([]StoredLicense, error) {
	rows, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StoredLicense, len(rows))
	for i, r := range rows {
		out[i] = r.license
	}
	return out, nil
}

func (s *Sheets) columnRange(col, row int) string {
	return fmt.Sprintf("%s!%c%d", s.sheetName, 'A'+col, row)
}

// EnsureHeader writes the header row when the sheet is empty.
func (s *Sheets) EnsureHeader(ctx context.Context) error {
	return s.trace(ctx, "ensure_header", func(ctx context.Context) error {
		resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1:A1").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to read header: %w", err)
		}
		if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
			return nil
		}

		header := make([]interface{}, len(sheetColumns))
		for i, c := range sheetColumns {
			header[i] = c
		}
		_, err = s.svc.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetName+"!A1",
			&sheets.ValueRange{Values: [][]interface{}{header}},
		).ValueInputOption("RAW").Context(ctx).Do()
		return err
	})
}

func (s *Sheets) Save(ctx context.Context, l StoredLicense) error {
	return s.trace(ctx, "save", func(ctx context.Context) error {
		if l.ID == "" {
			return fmt.Errorf("%w: license id is required", licenseErrors.ErrInvalidRequest)
		}
		_, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName,
			&sheets.ValueRange{Values: [][]interface{}{toRow(l)}},
		).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to append to sheets: %w", err)
		}
		return nil
	})
}

func (s *Sheets) find(ctx context.Context, id string) (sheetRow, error) {
	rows, err := s.readAll(ctx)
	if err != nil {
		return sheetRow{}, err
	}
	for _, r := range rows {
		if r.license.ID == id && !r.license.Deleted() {
			return r, nil
		}
	}
	return sheetRow{}, fmt.Errorf("%s: %w", id, licenseErrors.ErrLicenseNotFound)
}

func (s *Sheets) Get(ctx context.Context, id string) (StoredLicense, error) {
	var out StoredLicense
	err := s.trace(ctx, "get", func(ctx context.Context) error {
		r, err := s.find(ctx, id)
		out = r.license
		return err
	})
	return out, err
}

func (s *Sheets) FindByKidAndCustomer(ctx context.Context, kid, customer string) ([]StoredLicense, error) {
	return s.List(ctx, Filter{Kid: kid, Customer: customer})
}

func (s *Sheets) List(ctx context.Context, f Filter) ([]StoredLicense, error) {
	var out []StoredLicense
	err := s.trace(ctx, "list", func(ctx context.Context) error {
		all, err := s.all(ctx)
		if err != nil {
			return err
		}
		out = f.apply(all)
		return nil
	})
	return out, err
}

func (s *Sheets) MarkRevoked(ctx context.Context, kid string, at time.Time) (int, error) {
	n := 0
	err := s.trace(ctx, "mark_revoked", func(ctx context.Context) error {
		rows, err := s.readAll(ctx)
		if err != nil {
			return err
		}

		stamp := at.UTC().Format(sheetTimeLayout)
		var data []*sheets.ValueRange
		for _, r := range rows {
			if r.license.Kid != kid || r.license.Revoked() {
				continue
			}
			data = append(data, &sheets.ValueRange{
				Range:  s.columnRange(colRevokedAt, r.number),
				Values: [][]interface{}{{stamp}},
			})
		}
		if len(data) == 0 {
			return nil
		}

		_, err = s.svc.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateValuesRequest{
			ValueInputOption: "RAW",
			Data:             data,
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to update sheets: %w", err)
		}
		n = len(data)
		return nil
	})
	return n, err
}

func (s *Sheets) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return s.trace(ctx, "soft_delete", func(ctx context.Context) error {
		r, err := s.find(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.svc.Spreadsheets.Values.Update(s.spreadsheetID, s.columnRange(colDeletedAt, r.number),
			&sheets.ValueRange{Values: [][]interface{}{{at.UTC().Format(sheetTimeLayout)}}},
		).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to update sheets: %w", err)
		}
		return nil
	})
}

func toRow(l StoredLicense) []interface{} {
	row := make([]interface{}, numColumns)
	row[colID] = l.ID
	row[colKid] = l.Kid
	row[colCustomer] = l.Customer
	row[colEdition] = l.Edition
	row[colSeats] = l.Seats
	row[colFingerprint] = l.FingerprintID
	row[colIssuedAt] = l.IssuedAt.UTC().Format(sheetTimeLayout)
	row[colExpiresAt] = l.ExpiresAt.UTC().Format(sheetTimeLayout)
	row[colNotes] = l.Notes
	row[colPayload] = l.License.PayloadB64
	row[colSignature] = l.License.SignatureB64
	row[colCreatedAt] = l.CreatedAt.UTC().Format(sheetTimeLayout)
	row[colRevokedAt] = formatOptional(l.RevokedAt)
	row[colDeletedAt] = formatOptional(l.DeletedAt)
	return row
}

func parseRow(raw []interface{}) (StoredLicense, error) {
	seats, err := strconv.Atoi(cell(raw, colSeats))
	if err != nil {
		return StoredLicense{}, fmt.Errorf("seats: %w", err)
	}

	l := StoredLicense{
		ID:            cell(raw, colID),
		Kid:           cell(raw, colKid),
		Customer:      cell(raw, colCustomer),
		Edition:       cell(raw, colEdition),
		Seats:         seats,
		FingerprintID: cell(raw, colFingerprint),
		Notes:         cell(raw, colNotes),
		License: license.File{
			Kid:          cell(raw, colKid),
			PayloadB64:   cell(raw, colPayload),
			SignatureB64: cell(raw, colSignature),
		},
	}

	for _, f := range []struct {
		col int
		dst *time.Time
	}{
		{colIssuedAt, &l.IssuedAt},
		{colExpiresAt, &l.ExpiresAt},
		{colCreatedAt, &l.CreatedAt},
	} {
		if *f.dst, err = time.Parse(sheetTimeLayout, cell(raw, f.col)); err != nil {
			return StoredLicense{}, fmt.Errorf("%s: %w", sheetColumns[f.col], err)
		}
	}

	if l.RevokedAt, err = parseOptional(cell(raw, colRevokedAt)); err != nil {
		return StoredLicense{}, fmt.Errorf("revoked_at: %w", err)
	}
	if l.DeletedAt, err = parseOptional(cell(raw, colDeletedAt)); err != nil {
		return StoredLicense{}, fmt.Errorf("deleted_at: %w", err)
	}
	return l, nil
}

// cell reads a value as text. The API omits trailing empty cells and may
// return numbers as float64.
func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(sheetTimeLayout)
}

func parseOptional(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(sheetTimeLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
