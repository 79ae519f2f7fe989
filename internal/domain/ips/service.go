package ips

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ips/internal/platform/convert"
	"github.com/ehr/ips/pkg/ipsmodel"
)

type Service struct {
	records RecordRepository
	conv    *convert.Converter
	logger  zerolog.Logger
}

func NewService(records RecordRepository, conv *convert.Converter, logger zerolog.Logger) *Service {
	return &Service{records: records, conv: conv, logger: logger}
}

// Import decodes payload and stores it, merging into any record that
// already has the same package UUID.
func (s *Service) Import(ctx context.Context, format convert.Format, payload []byte) (*ImportResult, error) {
	rec, err := s.conv.Convert(format, payload)
	if err != nil {
		return nil, err
	}
	return s.ImportRecord(ctx, rec)
}

// ImportRecord stores an already decoded record.
func (s *Service) ImportRecord(ctx context.Context, rec *ipsmodel.Record) (*ImportResult, error) {
	if rec == nil {
		return nil, fmt.Errorf("ips: nil record: %w", ipsmodel.ErrMalformedInput)
	}
	rec.Normalize()

	res, err := s.upsert(ctx, rec)
	if errors.Is(err, ErrConflict) {
		// Lost a race with a concurrent import of the same package.
		res, err = s.upsert(ctx, rec)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("package_uuid", rec.PackageUUID).
		Bool("merged", res.Merged).
		Int("medications", len(res.Stored.Record.Medications)).
		Int("observations", len(res.Stored.Record.Observations)).
		Msg("record imported")
	return res, nil
}

func (s *Service) upsert(ctx context.Context, rec *ipsmodel.Record) (*ImportResult, error) {
	stored, merged, err := s.records.Upsert(ctx, rec, Merge)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Stored: stored, Merged: merged}, nil
}

// Export renders a stored record in the requested format.
func (s *Service) Export(ctx context.Context, packageUUID string, format convert.Format, opts convert.RenderOptions) ([]byte, error) {
	stored, err := s.records.GetByPackageUUID(ctx, packageUUID)
	if err != nil {
		return nil, err
	}
	return s.conv.Render(stored.Record, format, opts)
}

func (s *Service) Get(ctx context.Context, packageUUID string) (*StoredRecord, error) {
	return s.records.GetByPackageUUID(ctx, packageUUID)
}

func (s *Service) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Summary, int, error) {
	return s.records.List(ctx, params, limit, offset)
}

func (s *Service) Delete(ctx context.Context, packageUUID string) error {
	if err := s.records.Delete(ctx, packageUUID); err != nil {
		return err
	}
	s.logger.Info().Str("package_uuid", packageUUID).Msg("record deleted")
	return nil
}
