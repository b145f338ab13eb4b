package clienttk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRUT(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"dotted", "12.345.678-5", "12345678-5", false},
		{"plain", "12345678-5", "12345678-5", false},
		{"no dash", "123456785", "12345678-5", false},
		{"k check digit", "20.347.878-K", "20347878-K", false},
		{"lowercase k", "20347878-k", "20347878-K", false},
		{"spaces around", "  12345678-5 ", "12345678-5", false},
		{"wrong check digit", "12345678-9", "", true},
		{"letters in body", "12E45678-5", "", true},
		{"too short", "1-9", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRUT(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeDV(t *testing.T) {
	assert.Equal(t, byte('5'), computeDV("12345678"))
	assert.Equal(t, byte('K'), computeDV("20347878"))
}
