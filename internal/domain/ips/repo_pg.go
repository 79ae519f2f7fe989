package ips

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint failure.
const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// =========== Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

const recordCols = `id, package_uuid, timestamp, family_name, given_name,
	dob, gender, nation, organization, practitioner,
	identifier, identifier2, created_at, updated_at`

func scanRecord(row pgx.Row) (*StoredRecord, error) {
	rec := &ipsmodel.Record{}
	s := &StoredRecord{Record: rec}
	var gender string
	err := row.Scan(&s.ID, &rec.PackageUUID, &rec.Timestamp, &rec.FamilyName, &rec.GivenName,
		&rec.DOB, &gender, &rec.Nation, &rec.Organization, &rec.Practitioner,
		&rec.Identifier, &rec.Identifier2, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Gender = ipsmodel.Gender(gender)
	// pgx returns timestamptz in the local zone.
	rec.Timestamp = rec.Timestamp.UTC()
	return s, nil
}

func insertRecord(ctx context.Context, q queryable, rec *ipsmodel.Record) (*StoredRecord, error) {
	s := &StoredRecord{ID: uuid.New(), Record: rec}
	err := q.QueryRow(ctx, `
		INSERT INTO ips_records (id, package_uuid, timestamp, family_name, given_name,
			dob, gender, nation, organization, practitioner, identifier, identifier2)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		s.ID, rec.PackageUUID, rec.Timestamp, rec.FamilyName, rec.GivenName,
		rec.DOB, string(rec.Gender), rec.Nation, rec.Organization, rec.Practitioner,
		rec.Identifier, rec.Identifier2,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	if err := insertChildren(ctx, q, s.ID, rec); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *recordRepoPG) GetByPackageUUID(ctx context.Context, packageUUID string) (*StoredRecord, error) {
	s, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordCols+` FROM ips_records WHERE package_uuid = $1`, packageUUID))
	if err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, r.pool, s); err != nil {
		return nil, err
	}
	s.Record.Normalize()
	return s, nil
}

// replaceRecord overwrites the record row and rewrites every child list.
func replaceRecord(ctx context.Context, q queryable, id uuid.UUID, rec *ipsmodel.Record) (*StoredRecord, error) {
	s := &StoredRecord{ID: id, Record: rec}
	err := q.QueryRow(ctx, `
		UPDATE ips_records SET package_uuid=$2, timestamp=$3, family_name=$4, given_name=$5,
			dob=$6, gender=$7, nation=$8, organization=$9, practitioner=$10,
			identifier=$11, identifier2=$12, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		id, rec.PackageUUID, rec.Timestamp, rec.FamilyName, rec.GivenName,
		rec.DOB, string(rec.Gender), rec.Nation, rec.Organization, rec.Practitioner,
		rec.Identifier, rec.Identifier2,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	for _, table := range childTables {
		if _, err := q.Exec(ctx, `DELETE FROM `+table+` WHERE record_id = $1`, id); err != nil {
			return nil, fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := insertChildren(ctx, q, id, rec); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert holds a row lock on the stored record from read to rewrite, so
// concurrent imports of one package merge one after another.
func (r *recordRepoPG) Upsert(ctx context.Context, rec *ipsmodel.Record, merge MergeFunc) (*StoredRecord, bool, error) {
	var (
		s      *StoredRecord
		merged bool
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordCols+` FROM ips_records WHERE package_uuid = $1 FOR UPDATE`, rec.PackageUUID))
		if errors.Is(err, ErrNotFound) {
			s, err = insertRecord(ctx, tx, rec)
			return err
		}
		if err != nil {
			return fmt.Errorf("lock %s: %w", rec.PackageUUID, err)
		}
		if err := loadChildren(ctx, tx, existing); err != nil {
			return err
		}
		existing.Record.Normalize()

		merged = true
		s, err = replaceRecord(ctx, tx, existing.ID, merge(existing.Record, rec))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return s, merged, nil
}

// recordNameFilters maps list parameters to the indexed name columns.
var recordNameFilters = []struct{ param, column string }{
	{"family", "family_name"},
	{"given", "given_name"},
}

func (r *recordRepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Summary, int, error) {
	var (
		where []string
		args  []interface{}
	)
	for _, f := range recordNameFilters {
		v := strings.TrimSpace(params[f.param])
		if v == "" {
			continue
		}
		args = append(args, likePrefix(strings.ToLower(v)))
		where = append(where, fmt.Sprintf(`lower(%s) LIKE $%d`, f.column, len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = ` WHERE ` + strings.Join(where, ` AND `)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ips_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, `SELECT `+recordCols+` FROM ips_records`+clause+page, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Summary
	for rows.Next() {
		s, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, summarize(s))
	}
	return items, total, rows.Err()
}

// likePrefix escapes LIKE metacharacters in s and appends a trailing
// wildcard.
func likePrefix(s string) string {
	return likeEscaper.Replace(s) + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *recordRepoPG) Delete(ctx context.Context, packageUUID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ips_records WHERE package_uuid = $1`, packageUUID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Child Lists ===========

var childTables = []string{
	"ips_medications", "ips_allergies", "ips_conditions", "ips_observations", "ips_immunizations",
}

// insertChildren queues every child row in one batch. Position keeps list
// order stable across reads.
func insertChildren(ctx context.Context, q queryable, id uuid.UUID, rec *ipsmodel.Record) error {
	b := &pgx.Batch{}
	for i, m := range rec.Medications {
		b.Queue(`INSERT INTO ips_medications (record_id, position, name, date, dosage, system, code, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			id, i, m.Name, m.Date, m.Dosage, m.System, m.Code, m.Status)
	}
	for i, a := range rec.Allergies {
		b.Queue(`INSERT INTO ips_allergies (record_id, position, name, date, criticality, system, code)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, i, a.Name, a.Date, string(a.Criticality), a.System, a.Code)
	}
	for i, c := range rec.Conditions {
		b.Queue(`INSERT INTO ips_conditions (record_id, position, name, date, system, code)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			id, i, c.Name, c.Date, c.System, c.Code)
	}
	for i, o := range rec.Observations {
		b.Queue(`INSERT INTO ips_observations (record_id, position, name, date, value, system, code, value_code, body_site, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			id, i, o.Name, o.Date, o.Value, o.System, o.Code, o.ValueCode, o.BodySite, o.Status)
	}
	for i, im := range rec.Immunizations {
		b.Queue(`INSERT INTO ips_immunizations (record_id, position, name, date, system, code, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, i, im.Name, im.Date, im.System, im.Code, im.Status)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := q.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert children: %w", err)
	}
	return nil
}

// loadChildren reads the five child lists in a single round trip.
func loadChildren(ctx context.Context, q queryable, s *StoredRecord) error {
	b := &pgx.Batch{}
	b.Queue(`SELECT name, date, dosage, system, code, status FROM ips_medications WHERE record_id = $1 ORDER BY position`, s.ID)
	b.Queue(`SELECT name, date, criticality, system, code FROM ips_allergies WHERE record_id = $1 ORDER BY position`, s.ID)
	b.Queue(`SELECT name, date, system, code FROM ips_conditions WHERE record_id = $1 ORDER BY position`, s.ID)
	b.Queue(`SELECT name, date, value, system, code, value_code, body_site, status FROM ips_observations WHERE record_id = $1 ORDER BY position`, s.ID)
	b.Queue(`SELECT name, date, system, code, status FROM ips_immunizations WHERE record_id = $1 ORDER BY position`, s.ID)

	br := q.SendBatch(ctx, b)
	defer br.Close()
	rec := s.Record

	var err error
	if rec.Medications, err = collect(br, func(row pgx.CollectableRow) (ipsmodel.Medication, error) {
		var m ipsmodel.Medication
		err := row.Scan(&m.Name, &m.Date, &m.Dosage, &m.System, &m.Code, &m.Status)
		return m, err
	}); err != nil {
		return fmt.Errorf("load medications: %w", err)
	}
	if rec.Allergies, err = collect(br, func(row pgx.CollectableRow) (ipsmodel.Allergy, error) {
		var a ipsmodel.Allergy
		var crit string
		err := row.Scan(&a.Name, &a.Date, &crit, &a.System, &a.Code)
		a.Criticality = ipsmodel.Criticality(crit)
		return a, err
	}); err != nil {
		return fmt.Errorf("load allergies: %w", err)
	}
	if rec.Conditions, err = collect(br, func(row pgx.CollectableRow) (ipsmodel.Condition, error) {
		var c ipsmodel.Condition
		err := row.Scan(&c.Name, &c.Date, &c.System, &c.Code)
		return c, err
	}); err != nil {
		return fmt.Errorf("load conditions: %w", err)
	}
	if rec.Observations, err = collect(br, func(row pgx.CollectableRow) (ipsmodel.Observation, error) {
		var o ipsmodel.Observation
		err := row.Scan(&o.Name, &o.Date, &o.Value, &o.System, &o.Code, &o.ValueCode, &o.BodySite, &o.Status)
		return o, err
	}); err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	if rec.Immunizations, err = collect(br, func(row pgx.CollectableRow) (ipsmodel.Immunization, error) {
		var im ipsmodel.Immunization
		err := row.Scan(&im.Name, &im.Date, &im.System, &im.Code, &im.Status)
		return im, err
	}); err != nil {
		return fmt.Errorf("load immunizations: %w", err)
	}
	return nil
}

func collect[T any](br pgx.BatchResults, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
