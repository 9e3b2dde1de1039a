package consolidation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/service"
	"github.com/ypcloud/uptimed/pkg/storage"
)

// seedService is a minimal probe identity for filling the store
type seedService struct {
	kind     service.Kind
	category string
	ns       string
	desc     string
}

func (s *seedService) Kind() service.Kind  { return s.kind }
func (s *seedService) Category() string    { return s.category }
func (s *seedService) NS() string          { return s.ns }
func (s *seedService) Description() string { return s.desc }
func (s *seedService) Key() string         { return string(s.kind) + "|" + s.ns + "|" + s.desc }
func (s *seedService) String() string      { return s.desc }
func (s *seedService) Check(context.Context) (service.Status, service.Extra) {
	return service.StatusOK, nil
}

func openStore(t *testing.T) storage.Store {
	t.Helper()

	s, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "uptime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// seed stores one service with the given status and returns its record
func seed(t *testing.T, store storage.Store, desc string, status service.Status) storage.ServiceRecord {
	t.Helper()

	svc := &seedService{kind: service.KindRedis, category: service.CategoryInfra, desc: desc}
	require.NoError(t, store.UpdateStatus(context.Background(), svc, status, nil))

	rec, err := store.FindService(context.Background(), svc)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return *rec
}

func utc(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func TestSLAConsolidatorCatchUp(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	rec := seed(t, store, "db", service.StatusOK)

	// The daemon was down for a few days; every missed period must be
	// consolidated in order on the next pass.
	require.NoError(t, store.SetWatermark(ctx, period.Daily, utc(2024, time.March, 3, 0).Unix()))
	require.NoError(t, store.SetWatermark(ctx, period.Weekly, utc(2024, time.March, 4, 0).Unix()))
	require.NoError(t, store.SetWatermark(ctx, period.Monthly, utc(2024, time.March, 1, 0).Unix()))

	c := NewSLA(store, SLAConfig{})
	c.now = func() time.Time { return utc(2024, time.March, 5, 12) }

	marks, err := c.loadWatermarks(ctx)
	require.NoError(t, err)
	c.pass(ctx, marks)

	daily, err := store.SLAHistory(ctx, period.Daily, rec.ID)
	require.NoError(t, err)
	require.Len(t, daily, 3)
	assert.Equal(t, utc(2024, time.March, 4, 0).Unix(), daily[0].Start)
	assert.Equal(t, utc(2024, time.March, 3, 0).Unix(), daily[1].Start)
	assert.Equal(t, utc(2024, time.March, 2, 0).Unix(), daily[2].Start)
	for _, entry := range daily {
		assert.Equal(t, float64(100), entry.SLA)
	}

	// Monthly trigger 2024-03-01 observed at 03-05: February is the
	// period consolidated, and the trigger advances to 2024-04-01.
	monthly, err := store.SLAHistory(ctx, period.Monthly, rec.ID)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, utc(2024, time.February, 1, 0).Unix(), monthly[0].Start)
	assert.Equal(t, int64(29*86400), monthly[0].Duration)

	ts, ok, err := store.Watermark(ctx, period.Monthly)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, utc(2024, time.April, 1, 0).Unix(), ts)

	// Weekly trigger on Monday 03-04 consolidates the week of 02-26.
	weekly, err := store.SLAHistory(ctx, period.Weekly, rec.ID)
	require.NoError(t, err)
	require.Len(t, weekly, 1)
	assert.Equal(t, utc(2024, time.February, 26, 0).Unix(), weekly[0].Start)
}

func TestSLAConsolidatorFreshDatabase(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	rec := seed(t, store, "db", service.StatusOK)

	c := NewSLA(store, SLAConfig{})
	c.now = func() time.Time { return utc(2024, time.March, 5, 12) }

	marks, err := c.loadWatermarks(ctx)
	require.NoError(t, err)

	// Watermarks anchor to the current period start and are persisted.
	assert.Equal(t, utc(2024, time.March, 5, 0).Unix(), marks[period.Daily])
	assert.Equal(t, utc(2024, time.March, 4, 0).Unix(), marks[period.Weekly])
	assert.Equal(t, utc(2024, time.March, 1, 0).Unix(), marks[period.Monthly])
	ts, ok, err := store.Watermark(ctx, period.Daily)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, marks[period.Daily], ts)

	// The first pass consolidates the last complete period of each kind.
	c.pass(ctx, marks)

	daily, err := store.SLAHistory(ctx, period.Daily, rec.ID)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, utc(2024, time.March, 4, 0).Unix(), daily[0].Start)

	monthly, err := store.SLAHistory(ctx, period.Monthly, rec.ID)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, utc(2024, time.February, 1, 0).Unix(), monthly[0].Start)
}

func TestSLAConsolidatorIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	rec := seed(t, store, "db", service.StatusOK)

	trigger := utc(2024, time.March, 5, 0).Unix()
	c := NewSLA(store, SLAConfig{})
	c.now = func() time.Time { return utc(2024, time.March, 5, 12) }

	for run := 0; run < 2; run++ {
		require.NoError(t, store.SetWatermark(ctx, period.Daily, trigger))
		marks, err := c.loadWatermarks(ctx)
		require.NoError(t, err)
		c.pass(ctx, marks)
	}

	// Re-running the same period overwrites its row, never duplicates.
	daily, err := store.SLAHistory(ctx, period.Daily, rec.ID)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, utc(2024, time.March, 4, 0).Unix(), daily[0].Start)
}

// failingStore turns row upserts into errors on demand
type failingStore struct {
	storage.Store
	failUpserts bool
}

func (f *failingStore) UpsertSLA(ctx context.Context, kind period.Kind, serviceID string, periodStart int64, sla float64) error {
	if f.failUpserts {
		return errors.New("storage unavailable")
	}
	return f.Store.UpsertSLA(ctx, kind, serviceID, periodStart, sla)
}

func TestSLAConsolidatorErrorKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	rec := seed(t, store, "db", service.StatusOK)

	trigger := utc(2024, time.March, 5, 0).Unix()
	require.NoError(t, store.SetWatermark(ctx, period.Daily, trigger))

	failing := &failingStore{Store: store, failUpserts: true}
	c := NewSLA(failing, SLAConfig{})
	c.now = func() time.Time { return utc(2024, time.March, 5, 12) }

	marks, err := c.loadWatermarks(ctx)
	require.NoError(t, err)
	c.pass(ctx, marks)

	// The failed pass leaves the watermark where it was.
	ts, ok, err := store.Watermark(ctx, period.Daily)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trigger, ts)

	daily, err := store.SLAHistory(ctx, period.Daily, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, daily)

	// Once storage recovers, the same marks retry and advance.
	failing.failUpserts = false
	c.pass(ctx, marks)

	daily, err = store.SLAHistory(ctx, period.Daily, rec.ID)
	require.NoError(t, err)
	require.Len(t, daily, 1)

	ts, _, err = store.Watermark(ctx, period.Daily)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, time.March, 6, 0).Unix(), ts)
}

func TestSLAConsolidatorLifecycle(t *testing.T) {
	store := openStore(t)
	rec := seed(t, store, "db", service.StatusOK)

	c := NewSLA(store, SLAConfig{BatchWait: 5 * time.Millisecond})
	c.Start()

	require.Eventually(t, func() bool {
		daily, err := store.SLAHistory(context.Background(), period.Daily, rec.ID)
		return err == nil && len(daily) == 1
	}, 2*time.Second, time.Millisecond)

	c.Stop()
	c.Stop() // signalling twice is safe

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consolidator did not stop")
	}
}
