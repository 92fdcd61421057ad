package store

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/testutil"
)

// To regenerate golden files, run:
//
//	go test ./internal/store -update
func TestCreateModelTableGolden(t *testing.T) {
	s := testutil.Schema()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, d := range []Dialect{SQLite, Postgres} {
		for _, name := range []string{"User", "TypesTest"} {
			m, ok := s.Model(name)
			require.True(t, ok)
			t.Run(d.Name+"_"+m.Table(), func(t *testing.T) {
				g.Assert(t, d.Name+"_"+m.Table(), []byte(d.CreateModelTable(m)))
			})
		}
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", SQLite.Placeholders(1, 3))
	assert.Equal(t, "$3, $4", Postgres.Placeholders(3, 2))
	assert.Equal(t, "$7", Postgres.P(7))
	assert.Equal(t, "", SQLite.Placeholders(1, 0))
}
