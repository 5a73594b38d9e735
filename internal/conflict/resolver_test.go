package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versionAt(t time.Time, marker string) Version {
	return Version{
		EntityType: "note",
		EntityID:   "n1",
		Data:       map[string]any{"who": marker},
		UpdatedAt:  t,
	}
}

func TestLastWriteWins(t *testing.T) {
	r, err := ForStrategy(LastWriteWins)
	require.NoError(t, err)

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	tests := []struct {
		name       string
		local      Version
		server     Version
		wantWinner string
	}{
		{"server newer", versionAt(t1, "local"), versionAt(t2, "server"), WinnerServer},
		{"local newer", versionAt(t2, "local"), versionAt(t1, "server"), WinnerLocal},
		{"exact tie picks server", versionAt(t1, "local"), versionAt(t1, "server"), WinnerServer},
		{"missing local timestamp loses", versionAt(time.Time{}, "local"), versionAt(t1, "server"), WinnerServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.local, tt.server)
			require.NoError(t, err)
			assert.True(t, res.Resolved)
			assert.False(t, res.RequiresManual)
			assert.Equal(t, tt.wantWinner, res.Winner)
			want := tt.server.Data
			if tt.wantWinner == WinnerLocal {
				want = tt.local.Data
			}
			assert.Equal(t, want, res.Data)
		})
	}
}

func TestLastWriteWinsPayloadTimestamp(t *testing.T) {
	r, _ := ForStrategy(LastWriteWins)
	local := Version{Data: map[string]any{"updated_at": "2026-03-01T12:05:00Z", "who": "local"}}
	server := Version{Data: map[string]any{"updated_at": "2026-03-01T12:00:00Z", "who": "server"}}

	res, err := r.Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
}

func TestFixedStrategies(t *testing.T) {
	local := versionAt(time.Now(), "local")
	server := versionAt(time.Now().Add(-time.Hour), "server")

	sw, _ := ForStrategy(ServerWins)
	res, err := sw.Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, WinnerServer, res.Winner)
	assert.Equal(t, server.Data, res.Data)

	cw, _ := ForStrategy(ClientWins)
	res, err = cw.Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.Equal(t, local.Data, res.Data)
}

func TestManualNeverResolves(t *testing.T) {
	m, _ := ForStrategy(Manual)
	res, err := m.Resolve(versionAt(time.Now(), "local"), versionAt(time.Now(), "server"))
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.True(t, res.RequiresManual)
}

func TestForStrategyUnknown(t *testing.T) {
	_, err := ForStrategy(ThreeWayMerge)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	_, err = ForStrategy("mostRecentEditorWins")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

type alwaysLocal struct{}

func (alwaysLocal) Resolve(local, server Version) (Resolution, error) {
	return Resolution{Resolved: true, Winner: WinnerLocal, Data: local.Data}, nil
}

func TestRegistryLookup(t *testing.T) {
	def, _ := ForStrategy(ServerWins)
	reg := NewRegistry(def)
	reg.Register("note", alwaysLocal{})

	local := versionAt(time.Now(), "local")
	server := versionAt(time.Now(), "server")

	res, err := reg.For("note").Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)

	res, err = reg.For("task").Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, WinnerServer, res.Winner, "unregistered type uses default")
}
