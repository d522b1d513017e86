package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

const testSeed = `
[[resource]]
id = "table-1"
name = "Window table"
capacity = 4
hourly_rate = "20.00"
active = true

[[add_on]]
id = "wine"
name = "House wine"
unit_price = "5.00"
active = true
`

func TestSeed_Apply(t *testing.T) {
	seed, err := DecodeSeed(testSeed)
	require.NoError(t, err)

	catalog := NewMemoryCatalog()
	require.NoError(t, seed.Apply(context.Background(), catalog, logger.Nop()))

	r, err := catalog.GetResource(context.Background(), "table-1")
	require.NoError(t, err)
	assert.Equal(t, models.Resource{ID: "table-1", Name: "Window table", Capacity: 4, HourlyRate: 2000, Active: true}, *r)

	a, err := catalog.GetAddOn(context.Background(), "wine")
	require.NoError(t, err)
	assert.Equal(t, models.Money(500), a.UnitPrice)
}

func TestSeed_ApplyRejectsBadPrice(t *testing.T) {
	seed, err := DecodeSeed("[[resource]]\nid = \"t\"\nhourly_rate = \"abc\"\n")
	require.NoError(t, err)
	assert.Error(t, seed.Apply(context.Background(), NewMemoryCatalog(), logger.Nop()))
}
