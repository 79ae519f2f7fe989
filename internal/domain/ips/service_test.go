package ips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ips/internal/platform/convert"
	"github.com/ehr/ips/pkg/ipsmodel"
)

// mockRecordRepo keys records by package UUID.
type mockRecordRepo struct {
	mu       sync.Mutex
	store    map[string]*StoredRecord
	conflict int
	upserts  int
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{store: make(map[string]*StoredRecord)}
}

func (m *mockRecordRepo) GetByPackageUUID(_ context.Context, packageUUID string) (*StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[packageUUID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Upsert holds the mutex across read, merge and write, standing in for the
// row lock the Postgres repository takes.
func (m *mockRecordRepo) Upsert(_ context.Context, r *ipsmodel.Record, merge MergeFunc) (*StoredRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.store[r.PackageUUID]
	if !ok {
		if m.conflict > 0 {
			m.conflict--
			m.store[r.PackageUUID] = &StoredRecord{ID: uuid.New(), Record: r, CreatedAt: time.Now(), UpdatedAt: time.Now()}
			return nil, false, ErrConflict
		}
		now := time.Now()
		s := &StoredRecord{ID: uuid.New(), Record: r, CreatedAt: now, UpdatedAt: now}
		m.store[r.PackageUUID] = s
		return s, false, nil
	}
	m.upserts++
	// Yield while holding the lock so racing callers pile up behind it.
	runtime.Gosched()
	updated := &StoredRecord{
		ID:        existing.ID,
		Record:    merge(existing.Record, r),
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now(),
	}
	m.store[r.PackageUUID] = updated
	return updated, true, nil
}

func (m *mockRecordRepo) List(_ context.Context, params map[string]string, limit, offset int) ([]*Summary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Summary
	for _, s := range m.store {
		if !hasFoldPrefix(s.Record.FamilyName, params["family"]) || !hasFoldPrefix(s.Record.GivenName, params["given"]) {
			continue
		}
		all = append(all, summarize(s))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PackageUUID < all[j].PackageUUID })
	total := len(all)
	if offset >= total {
		return []*Summary{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func hasFoldPrefix(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

func (m *mockRecordRepo) Delete(_ context.Context, packageUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[packageUUID]; !ok {
		return ErrNotFound
	}
	delete(m.store, packageUUID)
	return nil
}

func newTestService() (*Service, *mockRecordRepo) {
	repo := newMockRecordRepo()
	return NewService(repo, convert.New(nil), zerolog.Nop()), repo
}

func schemaPayload(t *testing.T, r *ipsmodel.Record) []byte {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// =========== Import ===========

func TestService_ImportCreates(t *testing.T) {
	svc, repo := newTestService()
	res, err := svc.Import(context.Background(), convert.FormatSchema, schemaPayload(t, sampleRecord()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Merged {
		t.Error("first import should not merge")
	}
	if res.Stored.ID == uuid.Nil {
		t.Error("expected stored id")
	}
	if len(repo.store) != 1 {
		t.Errorf("expected 1 stored record, got %d", len(repo.store))
	}
}

func TestService_ImportMerges(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	first, err := svc.ImportRecord(ctx, sampleRecord())
	if err != nil {
		t.Fatalf("first import: %v", err)
	}

	update := &ipsmodel.Record{
		PackageUUID: "pkg-1",
		Timestamp:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Conditions:  []ipsmodel.Condition{{Name: "Asthma", Date: day(2015, 3, 10)}},
	}
	res, err := svc.ImportRecord(ctx, update)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if !res.Merged {
		t.Error("expected merge")
	}
	if res.Stored.ID != first.Stored.ID {
		t.Errorf("merge changed row id: %s != %s", res.Stored.ID, first.Stored.ID)
	}
	got := res.Stored.Record
	if got.FamilyName != "Smith" {
		t.Errorf("family name lost: %q", got.FamilyName)
	}
	if len(got.Conditions) != 1 || len(got.Medications) != 1 {
		t.Errorf("children: %d conditions, %d medications", len(got.Conditions), len(got.Medications))
	}
}

func TestService_ImportRetriesConflict(t *testing.T) {
	svc, repo := newTestService()
	repo.conflict = 1

	res, err := svc.ImportRecord(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Merged {
		t.Error("expected the retry to merge into the concurrent insert")
	}
}

func TestService_ConcurrentImportsAllMerge(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	if _, err := svc.ImportRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("seed import: %v", err)
	}
	base := len(sampleRecord().Medications)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			update := &ipsmodel.Record{
				PackageUUID: "pkg-1",
				Timestamp:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
				Medications: []ipsmodel.Medication{{Name: fmt.Sprintf("Drug %02d", i), Date: day(2024, 1, 1)}},
			}
			if _, err := svc.ImportRecord(ctx, update); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent import: %v", err)
	}

	stored, err := svc.Get(ctx, "pkg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := len(stored.Record.Medications); got != base+n {
		t.Errorf("expected %d medications after %d concurrent merges, got %d", base+n, n, got)
	}
	if repo.upserts != n {
		t.Errorf("expected %d merging upserts, got %d", n, repo.upserts)
	}
}

func TestService_ListNameFilter(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for _, p := range []struct{ pkg, family string }{{"pkg-a", "Smith"}, {"pkg-b", "Jones"}} {
		r := sampleRecord()
		r.PackageUUID, r.FamilyName = p.pkg, p.family
		if _, err := svc.ImportRecord(ctx, r); err != nil {
			t.Fatalf("import %s: %v", p.pkg, err)
		}
	}
	items, total, err := svc.List(ctx, map[string]string{"family": "jon"}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].PackageUUID != "pkg-b" {
		t.Errorf("unexpected listing: %d items, total %d", len(items), total)
	}
}

func TestService_ImportErrors(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Import(ctx, convert.FormatSchema, []byte("{")); !errors.Is(err, ipsmodel.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput, got %v", err)
	}
	if _, err := svc.Import(ctx, convert.Format("xml"), []byte("<x/>")); !errors.Is(err, ipsmodel.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := svc.ImportRecord(ctx, nil); !errors.Is(err, ipsmodel.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput for nil, got %v", err)
	}
}

// =========== Export / List / Delete ===========

func TestService_Export(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.ImportRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("import: %v", err)
	}

	out, err := svc.Export(ctx, "pkg-1", convert.FormatFHIR, convert.RenderOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !json.Valid(out) {
		t.Error("expected JSON bundle")
	}

	if _, err := svc.Export(ctx, "missing", convert.FormatFHIR, convert.RenderOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ListAndDelete(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for _, id := range []string{"pkg-a", "pkg-b", "pkg-c"} {
		r := sampleRecord()
		r.PackageUUID = id
		if _, err := svc.ImportRecord(ctx, r); err != nil {
			t.Fatalf("import %s: %v", id, err)
		}
	}

	items, total, err := svc.List(ctx, nil, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].FamilyName != "Smith" {
		t.Errorf("summary family name: %q", items[0].FamilyName)
	}

	if err := svc.Delete(ctx, "pkg-b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "pkg-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, total, _ = svc.List(ctx, nil, 10, 0); total != 2 {
		t.Errorf("expected 2 after delete, got %d", total)
	}
}
