package mimedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFilters() []Filter {
	return []Filter{
		{Exec: "pdftops", From: "application/pdf", To: "application/postscript", Cost: 50},
		{Exec: "pstoraster", From: "application/postscript", To: "application/vnd.cups-raster", Cost: 50},
		{Exec: "pdftoraster", From: "application/pdf", To: "application/vnd.cups-raster", Cost: 166},
		{Exec: "rastertopwg", From: "application/vnd.cups-raster", To: "image/pwg-raster", Cost: 10},
	}
}

func TestTypesEnumeratesAllNodes(t *testing.T) {
	db := New(sampleFilters())
	types := db.Types()
	require.Contains(t, types, "application/pdf")
	require.Contains(t, types, "image/pwg-raster")
}

func TestCheapestPathPicksLowerCostRoute(t *testing.T) {
	db := New(sampleFilters())
	path, err := db.CheapestPath("application/pdf", "application/vnd.cups-raster")
	require.NoError(t, err)

	total := 0
	for _, f := range path {
		total += f.Cost
	}
	require.Equal(t, 100, total)
	require.Equal(t, "pdftops", path[0].Exec)
	require.Equal(t, "pstoraster", path[1].Exec)
}

func TestCheapestPathSameTypeReturnsEmptyPath(t *testing.T) {
	db := New(sampleFilters())
	path, err := db.CheapestPath("application/pdf", "application/pdf")
	require.NoError(t, err)
	require.Empty(t, path)
	require.NotNil(t, path)
}

func TestCheapestPathMultiHop(t *testing.T) {
	db := New(sampleFilters())
	path, err := db.CheapestPath("application/pdf", "image/pwg-raster")
	require.NoError(t, err)
	require.Len(t, path, 3)
}

func TestCheapestPathNoRouteReturnsError(t *testing.T) {
	db := New(sampleFilters())
	_, err := db.CheapestPath("application/vnd.cups-raw", "application/pdf")
	require.Error(t, err)
}

func TestCheapestPathCachesResult(t *testing.T) {
	db := New(sampleFilters())
	first, err := db.CheapestPath("application/pdf", "image/pwg-raster")
	require.NoError(t, err)

	second, ok := db.pathCache[[2]string{"application/pdf", "image/pwg-raster"}]
	require.True(t, ok)
	require.Equal(t, first, second)
}

func TestReloadInvalidatesCache(t *testing.T) {
	db := New(sampleFilters())
	_, err := db.CheapestPath("application/pdf", "image/pwg-raster")
	require.NoError(t, err)

	db.Reload([]Filter{})
	_, err = db.CheapestPath("application/pdf", "image/pwg-raster")
	require.Error(t, err)
}
