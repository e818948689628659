package importer

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/facet-labs/gemlens/internal/model"
)

const sampleCSV = `id,name,weight_carats,color,images
GEM-001,Yellow diamond,2.50,Fancy Yellow,https://cdn.example.com/a.jpg;https://cdn.example.com/b.jpg
GEM-002,Sapphire ring,,,ftp://vendor.example.com/photos/s1.jpg
,skipped row without id,1.0,,
GEM-003,Loose stone,,,
`

func TestParseCSV(t *testing.T) {
	t.Parallel()

	items, err := ParseCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, items, 3)

	first := items[0]
	assert.Equal(t, "GEM-001", first.ID)
	assert.Equal(t, "Yellow diamond", first.Name)
	assert.Equal(t, "2.50", first.Manual[model.AttrWeight])
	assert.Equal(t, "Fancy Yellow", first.Manual[model.AttrColor])
	require.Len(t, first.Images, 2)
	assert.Equal(t, 0, first.Images[0].Ordinal)
	assert.Equal(t, "https://cdn.example.com/a.jpg", first.Images[0].Location)
	assert.Equal(t, 1, first.Images[1].Ordinal)

	second := items[1]
	assert.Equal(t, "GEM-002", second.ID)
	assert.Empty(t, second.Manual)
	require.Len(t, second.Images, 1)
	assert.Equal(t, "ftp://vendor.example.com/photos/s1.jpg", second.Images[0].Location)

	// No images column value yields an item with no assets.
	assert.Empty(t, items[2].Images)
}

func TestParseCSVHeaderOrderIndependent(t *testing.T) {
	t.Parallel()

	csv := "images,color,id\nhttps://x.test/1.jpg,Blue,GEM-9\n"
	items, err := ParseCSV(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "GEM-9", items[0].ID)
	assert.Equal(t, "Blue", items[0].Manual[model.AttrColor])
	require.Len(t, items[0].Images, 1)
}

func TestParseCSVMissingIDColumn(t *testing.T) {
	t.Parallel()

	_, err := ParseCSV(strings.NewReader("name,color\nring,Blue\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id column")
}

func TestParseCSVPipeSeparatedImages(t *testing.T) {
	t.Parallel()

	csv := "id,images\nGEM-1,https://x.test/1.jpg|https://x.test/2.jpg\n"
	items, err := ParseCSV(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Len(t, items[0].Images, 2)
}

func TestParseXLSX(t *testing.T) {
	t.Parallel()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Inventory")
	require.NoError(t, err)

	header := sheet.AddRow()
	for _, h := range []string{"id", "name", "cut", "images"} {
		header.AddCell().SetString(h)
	}
	row := sheet.AddRow()
	for _, v := range []string{"GEM-7", "Emerald pendant", "Emerald", "https://x.test/e.jpg"} {
		row.AddCell().SetString(v)
	}

	path := filepath.Join(t.TempDir(), "inventory.xlsx")
	require.NoError(t, f.Save(path))

	items, err := ParseXLSX(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "GEM-7", items[0].ID)
	assert.Equal(t, "Emerald pendant", items[0].Name)
	assert.Equal(t, "Emerald", items[0].Manual[model.AttrCut])
	require.Len(t, items[0].Images, 1)
}

func TestParseXLSXMissingFile(t *testing.T) {
	t.Parallel()

	_, err := ParseXLSX(filepath.Join(t.TempDir(), "nope.xlsx"))
	require.Error(t, err)
}
