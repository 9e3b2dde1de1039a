package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/service"
)

// testService is a static probe identity for storage tests
type testService struct {
	kind     service.Kind
	category string
	ns       string
	desc     string
}

func infraService(desc string) *testService {
	return &testService{kind: service.KindMongo, category: service.CategoryInfra, desc: desc}
}

func ingressService(ns, url string) *testService {
	return &testService{kind: service.KindIngress, category: ns, ns: ns, desc: url}
}

func (s *testService) Kind() service.Kind  { return s.kind }
func (s *testService) Category() string    { return s.category }
func (s *testService) NS() string          { return s.ns }
func (s *testService) Description() string { return s.desc }
func (s *testService) Key() string {
	return string(s.kind) + "|" + s.ns + "|" + s.desc
}
func (s *testService) String() string { return s.desc }
func (s *testService) Check(context.Context) (service.Status, service.Extra) {
	return service.StatusOK, nil
}

func openBolt(t *testing.T) *BoltStorage {
	t.Helper()

	s, err := NewBoltStorage(filepath.Join(t.TempDir(), "uptime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// withNow pins the storage clock for the duration of the test
func withNow(t *testing.T, ts int64) {
	t.Helper()

	old := now
	now = func() int64 { return ts }
	t.Cleanup(func() { now = old })
}

func mustFind(t *testing.T, s *BoltStorage, svc service.Service) *ServiceRecord {
	t.Helper()

	rec, err := s.FindService(context.Background(), svc)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func openDowntimes(t *testing.T, s *BoltStorage, serviceID string) []Downtime {
	t.Helper()

	downs, err := s.Downtimes(context.Background(), serviceID, 0, 1<<40)
	require.NoError(t, err)

	var open []Downtime
	for _, d := range downs {
		if d.Open() {
			open = append(open, d)
		}
	}
	return open
}

func TestUpdateStatusFirstSight(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy service", func(t *testing.T) {
		s := openBolt(t)
		svc := infraService("main-db")

		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))

		rec := mustFind(t, s, svc)
		assert.Equal(t, service.StatusOK, rec.Status)
		assert.Nil(t, rec.PublicStatus)
		assert.Empty(t, openDowntimes(t, s, rec.ID))
	})

	t.Run("failing service opens a downtime immediately", func(t *testing.T) {
		s := openBolt(t)
		withNow(t, 1000)
		svc := infraService("main-db")
		extra := service.Extra{"exception": "connection refused"}

		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusFail, extra))

		rec := mustFind(t, s, svc)
		assert.Equal(t, service.StatusFail, rec.Status)

		open := openDowntimes(t, s, rec.ID)
		require.Len(t, open, 1)
		assert.Equal(t, int64(1000), open[0].Start)
		assert.Equal(t, extra, open[0].Extra)
	})
}

func TestUpdateStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)
	svc := infraService("cache")

	withNow(t, 1000)
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
	rec := mustFind(t, s, svc)
	assert.Equal(t, service.StatusOK, rec.Status)

	// OK -> FAIL opens a downtime.
	withNow(t, 2000)
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusFail, nil))
	rec = mustFind(t, s, svc)
	assert.Equal(t, service.StatusFail, rec.Status)
	open := openDowntimes(t, s, rec.ID)
	require.Len(t, open, 1)
	assert.Equal(t, int64(2000), open[0].Start)

	// FAIL -> FAIL changes nothing.
	withNow(t, 2500)
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusFail, nil))
	require.Len(t, openDowntimes(t, s, rec.ID), 1)

	// FAIL -> OK closes the downtime.
	withNow(t, 3000)
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
	rec = mustFind(t, s, svc)
	assert.Equal(t, service.StatusOK, rec.Status)
	assert.Empty(t, openDowntimes(t, s, rec.ID))

	downs, err := s.Downtimes(ctx, rec.ID, 0, 1<<40)
	require.NoError(t, err)
	require.Len(t, downs, 1)
	assert.Equal(t, int64(2000), downs[0].Start)
	assert.Equal(t, int64(3000), downs[0].End)
}

func TestUpdateStatusSelfHealing(t *testing.T) {
	ctx := context.Background()

	t.Run("failed status without downtime gains one", func(t *testing.T) {
		s := openBolt(t)
		svc := infraService("db")
		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
		rec := mustFind(t, s, svc)

		// A crash after the status write left no open downtime behind.
		require.NoError(t, s.setStatus(rec.ID, service.StatusFail))

		withNow(t, 5000)
		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusFail, nil))

		open := openDowntimes(t, s, rec.ID)
		require.Len(t, open, 1)
		assert.Equal(t, int64(5000), open[0].Start)
	})

	t.Run("healthy status with open downtime closes it", func(t *testing.T) {
		s := openBolt(t)
		svc := infraService("db")
		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
		rec := mustFind(t, s, svc)

		// A crash after closing the record status left the downtime open.
		withNow(t, 4000)
		require.NoError(t, s.insertDowntime(rec.ID, nil))

		withNow(t, 6000)
		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))

		assert.Empty(t, openDowntimes(t, s, rec.ID))
	})

	t.Run("transition to FAIL never opens a second downtime", func(t *testing.T) {
		s := openBolt(t)
		svc := infraService("db")
		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
		rec := mustFind(t, s, svc)

		// Status still OK but a downtime is already open.
		withNow(t, 4000)
		require.NoError(t, s.insertDowntime(rec.ID, nil))

		withNow(t, 7000)
		require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusFail, nil))

		rec = mustFind(t, s, svc)
		assert.Equal(t, service.StatusFail, rec.Status)
		open := openDowntimes(t, s, rec.ID)
		require.Len(t, open, 1, "at most one open downtime per service")
		assert.Equal(t, int64(4000), open[0].Start)
	})
}

func TestFindServiceIdentity(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)

	absent, err := s.FindService(ctx, infraService("ghost"))
	require.NoError(t, err)
	assert.Nil(t, absent, "unknown services are not an error")

	// Same URL under two namespaces stays two ingress services.
	a := ingressService("team-a", "https://a.example.com/health")
	b := ingressService("team-b", "https://b.example.com/health")
	require.NoError(t, s.UpdateStatus(ctx, a, service.StatusOK, nil))
	require.NoError(t, s.UpdateStatus(ctx, b, service.StatusOK, nil))

	recA := mustFind(t, s, a)
	recB := mustFind(t, s, b)
	assert.NotEqual(t, recA.ID, recB.ID)
	assert.Equal(t, "team-a", recA.NS)
}

func TestServicesQuery(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)

	require.NoError(t, s.UpdateStatus(ctx, infraService("db"), service.StatusOK, nil))
	require.NoError(t, s.UpdateStatus(ctx, infraService("cache"), service.StatusOK, nil))
	require.NoError(t, s.UpdateStatus(ctx, ingressService("web", "https://web.example.com/health"), service.StatusOK, nil))

	all, err := s.Services(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Ordered by category, then description.
	assert.Equal(t, "cache", all[0].Description)
	assert.Equal(t, "db", all[1].Description)
	assert.Equal(t, service.KindIngress, all[2].Kind)

	infra, err := s.Services(ctx, Query{Category: service.CategoryInfra})
	require.NoError(t, err)
	assert.Len(t, infra, 2)

	web, err := s.Services(ctx, Query{NS: "web"})
	require.NoError(t, err)
	require.Len(t, web, 1)
	assert.Equal(t, "web", web[0].NS)
}

func TestSLAClipping(t *testing.T) {
	ctx := context.Background()

	// Window [1000, 2000).
	tests := []struct {
		name  string
		downs [][2]int64 // start, end (0 = open)
		want  float64
	}{
		{
			name: "no downtime",
			want: 100,
		},
		{
			name:  "closed inside the window",
			downs: [][2]int64{{1200, 1400}},
			want:  80,
		},
		{
			name:  "open downtime clips at the window end",
			downs: [][2]int64{{1800, 0}},
			want:  80,
		},
		{
			name:  "started before the window clips at the window start",
			downs: [][2]int64{{500, 1100}},
			want:  90,
		},
		{
			name:  "ends after the window clips at the window end",
			downs: [][2]int64{{1900, 3000}},
			want:  90,
		},
		{
			name:  "fully outside is ignored",
			downs: [][2]int64{{100, 900}, {2000, 2100}},
			want:  100,
		},
		{
			name:  "overlapping windows never push below zero",
			downs: [][2]int64{{0, 0}, {500, 1900}},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openBolt(t)
			svc := infraService("db")
			require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
			rec := mustFind(t, s, svc)

			for _, w := range tt.downs {
				withNow(t, w[0])
				require.NoError(t, s.insertDowntime(rec.ID, nil))
				if w[1] != 0 {
					open := openDowntimes(t, s, rec.ID)
					require.NotEmpty(t, open)
					withNow(t, w[1])
					require.NoError(t, s.closeDowntime(open[len(open)-1].ID))
				}
			}

			sla, err := s.SLA(ctx, rec.ID, 1000, 1000)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, sla, 0.001)
		})
	}
}

func TestWatermarks(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)

	_, ok, err := s.Watermark(ctx, period.Daily)
	require.NoError(t, err)
	assert.False(t, ok, "fresh database has no watermark")

	require.NoError(t, s.SetWatermark(ctx, period.Daily, 86400))
	require.NoError(t, s.SetWatermark(ctx, period.Monthly, 2678400))

	ts, ok, err := s.Watermark(ctx, period.Daily)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(86400), ts)

	ts, ok, err = s.Watermark(ctx, period.Monthly)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2678400), ts)

	// Advancing overwrites.
	require.NoError(t, s.SetWatermark(ctx, period.Daily, 172800))
	ts, _, err = s.Watermark(ctx, period.Daily)
	require.NoError(t, err)
	assert.Equal(t, int64(172800), ts)
}

func TestUpsertSLAIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)
	svc := infraService("db")
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
	rec := mustFind(t, s, svc)

	start := int64(1704067200) // 2024-01-01 UTC midnight
	require.NoError(t, s.UpsertSLA(ctx, period.Daily, rec.ID, start, 99.5))
	require.NoError(t, s.UpsertSLA(ctx, period.Daily, rec.ID, start, 98.0))
	require.NoError(t, s.UpsertSLA(ctx, period.Daily, rec.ID, start+86400, 100))

	entries, err := s.SLAHistory(ctx, period.Daily, rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2, "re-consolidating a period overwrites its row")

	// Newest first, with the overwritten value.
	assert.Equal(t, start+86400, entries[0].Start)
	assert.Equal(t, float64(100), entries[0].SLA)
	assert.Equal(t, start, entries[1].Start)
	assert.Equal(t, 98.0, entries[1].SLA)
	assert.Equal(t, int64(86400), entries[1].Duration)
}

func TestSetPublicStatus(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)
	svc := infraService("db")
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
	rec := mustFind(t, s, svc)
	require.Nil(t, rec.PublicStatus)

	require.NoError(t, s.SetPublicStatus(ctx, rec.ID, service.StatusFail))

	rec = mustFind(t, s, svc)
	require.NotNil(t, rec.PublicStatus)
	assert.Equal(t, service.StatusFail, *rec.PublicStatus)
	assert.Equal(t, service.StatusOK, rec.Status, "probed status is untouched")
}

func TestOpenDowntimeSince(t *testing.T) {
	ctx := context.Background()
	s := openBolt(t)
	svc := infraService("db")

	withNow(t, 1000)
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusFail, nil))
	rec := mustFind(t, s, svc)

	down, err := s.OpenDowntimeSince(ctx, rec.ID, 1000)
	require.NoError(t, err)
	assert.True(t, down)

	down, err = s.OpenDowntimeSince(ctx, rec.ID, 999)
	require.NoError(t, err)
	assert.False(t, down, "downtime younger than the cutoff does not count")

	// A closed downtime never counts.
	withNow(t, 2000)
	require.NoError(t, s.UpdateStatus(ctx, svc, service.StatusOK, nil))
	down, err = s.OpenDowntimeSince(ctx, rec.ID, 3000)
	require.NoError(t, err)
	assert.False(t, down)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("missing row is an error, not an upsert", func(t *testing.T) {
		s := openBolt(t)

		_, err := s.Heartbeat(ctx, time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conditional update", func(t *testing.T) {
		s := openBolt(t)
		t0 := int64(1_700_000_000)

		require.NoError(t, s.EnsureInstance(ctx))
		require.NoError(t, s.EnsureInstance(ctx), "ensure is idempotent")

		// A fresh row always matches.
		withNow(t, t0)
		matched, err := s.Heartbeat(ctx, 3*time.Minute)
		require.NoError(t, err)
		assert.True(t, matched)

		// Too fresh for a standby to take over.
		withNow(t, t0+30)
		matched, err = s.Heartbeat(ctx, 3*time.Minute)
		require.NoError(t, err)
		assert.False(t, matched)

		// Old enough after the inactivity window.
		withNow(t, t0+181)
		matched, err = s.Heartbeat(ctx, 3*time.Minute)
		require.NoError(t, err)
		assert.True(t, matched)
	})
}
