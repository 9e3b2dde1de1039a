package provider

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFleet(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileProviderLoadsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	writeFleet(t, path, `
- kind: redis
  name: cache
  addr: localhost:6379
- kind: mongo
  name: main-db
  uri: mongodb://db:27017
`)

	fleet := newFakeFleet()
	p := NewFile("extras", path, fleet)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return fleet.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"cache", "main-db"}, fleet.descriptions())

	writeFleet(t, path, `
- kind: redis
  name: cache-v2
  addr: localhost:6380
`)

	require.Eventually(t, func() bool {
		descs := fleet.descriptions()
		return len(descs) == 1 && descs[0] == "cache-v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileProviderPicksUpCreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")

	fleet := newFakeFleet()
	p := NewFile("extras", path, fleet)
	p.Start()
	defer p.Stop()

	// The file does not exist yet; the provider must pick it up once
	// it appears
	writeFleet(t, path, `
- kind: postgres
  name: billing
  uri: postgres://db:5432/billing
`)

	require.Eventually(t, func() bool { return fleet.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"billing"}, fleet.descriptions())
}

func TestFileProviderKeepsFleetOnBadContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	writeFleet(t, path, `
- kind: redis
  name: cache
  addr: localhost:6379
`)

	fleet := newFakeFleet()
	p := NewFile("extras", path, fleet)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return fleet.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	t.Run("broken yaml", func(t *testing.T) {
		writeFleet(t, path, "{definitely: [not a fleet")
		assert.Never(t, func() bool { return fleet.count() != 1 }, 300*time.Millisecond, 10*time.Millisecond)
		assert.Equal(t, []string{"cache"}, fleet.descriptions())
	})

	t.Run("unknown service kind", func(t *testing.T) {
		writeFleet(t, path, `
- kind: cassandra
  name: events
`)
		assert.Never(t, func() bool { return fleet.count() != 1 }, 300*time.Millisecond, 10*time.Millisecond)
		assert.Equal(t, []string{"cache"}, fleet.descriptions())
	})

	t.Run("recovers on next valid write", func(t *testing.T) {
		writeFleet(t, path, `
- kind: redis
  name: cache
  addr: localhost:6379
- kind: mongo
  name: main-db
  uri: mongodb://db:27017
`)
		require.Eventually(t, func() bool { return fleet.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestFileProviderStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	writeFleet(t, path, "[]\n")

	p := NewFile("extras", path, newFakeFleet())
	p.Start()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
