package ips

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ips/pkg/ipsmodel"
)

var (
	ErrNotFound = errors.New("ips: record not found")
	// ErrConflict is returned by Create when the package UUID is taken.
	ErrConflict = errors.New("ips: record already exists")
)

// StoredRecord is a record as persisted, with its row identity.
type StoredRecord struct {
	ID        uuid.UUID        `json:"id"`
	Record    *ipsmodel.Record `json:"record"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Summary is one row of the record listing.
type Summary struct {
	ID          uuid.UUID       `json:"id"`
	PackageUUID string          `json:"package_uuid"`
	FamilyName  string          `json:"family_name"`
	GivenName   string          `json:"given_name"`
	DOB         string          `json:"dob"`
	Gender      ipsmodel.Gender `json:"gender"`
	Nation      string          `json:"nation"`
	Timestamp   time.Time       `json:"timestamp"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ImportResult reports what an import did to the store.
type ImportResult struct {
	Stored *StoredRecord `json:"stored"`
	Merged bool          `json:"merged"`
}

func summarize(s *StoredRecord) *Summary {
	r := s.Record
	return &Summary{
		ID:          s.ID,
		PackageUUID: r.PackageUUID,
		FamilyName:  r.FamilyName,
		GivenName:   r.GivenName,
		DOB:         r.DOB,
		Gender:      r.Gender,
		Nation:      r.Nation,
		Timestamp:   r.Timestamp,
		UpdatedAt:   s.UpdatedAt,
	}
}
