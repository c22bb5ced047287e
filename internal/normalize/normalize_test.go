package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/model"
)

func TestParsePort(t *testing.T) {
	cases := map[string]int{
		"22":    22,
		" 443 ": 443,
		"22.0":  22,
		"":      0,
	}
	for in, want := range cases {
		got, err := ParsePort(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"-1", "ssh", "22.5"} {
		_, err := ParsePort(bad)
		assert.Error(t, err, bad)
	}
}

func TestFeaturesDefaultsAndCase(t *testing.T) {
	keys := Features(model.InventoryRecord{Port: 8080, Service: " HTTP ", Product: ""})
	assert.Equal(t, "8080", keys.Port)
	assert.Equal(t, "http", keys.Service)
	assert.Equal(t, Unknown, keys.Product)
	assert.Equal(t, "http|8080", keys.Combo)
	assert.Equal(t, keys.Combo, keys.Get(model.FeatureCombo))
}

func TestNormalizeRecord(t *testing.T) {
	rec, err := Normalize(RecordFields{IP: " 10.0.0.1", Port: "22", Service: "ssh"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", rec.IP)
	assert.Equal(t, 22, rec.Port)
	assert.Equal(t, Unknown, rec.State)

	_, err = Normalize(RecordFields{IP: "10.0.0.1", Port: "abc"})
	assert.Error(t, err)
}
