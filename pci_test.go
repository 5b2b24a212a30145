package persistenced_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-persistenced"
)

func TestParsePCIAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    persistenced.PCIAddress
		wantErr bool
	}{
		{input: "0000:01:00.0", want: persistenced.PCIAddress{Bus: 1}},
		{input: "0001:3b:1f.3", want: persistenced.PCIAddress{Domain: 1, Bus: 0x3b, Slot: 0x1f, Function: 3}},
		{input: "3B:00.0", want: persistenced.PCIAddress{Bus: 0x3b}},
		{input: "0000:65:00", want: persistenced.PCIAddress{Bus: 0x65}},
		{input: " 0000:01:00.0 ", want: persistenced.PCIAddress{Bus: 1}},
		{input: "", wantErr: true},
		{input: "01", wantErr: true},
		{input: "0000:01:00.8", wantErr: true},
		{input: "0000:01:20.0", wantErr: true},
		{input: "0000:zz:00.0", wantErr: true},
		{input: "0:0:0:0.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := persistenced.ParsePCIAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPCIAddress_String(t *testing.T) {
	a := persistenced.PCIAddress{Domain: 0x10, Bus: 0xaf, Slot: 2, Function: 1}
	assert.Equal(t, "0010:af:02.1", a.String())

	parsed, err := persistenced.ParsePCIAddress(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestPCIAddress_MatchesIgnoresFunction(t *testing.T) {
	a := persistenced.PCIAddress{Domain: 0, Bus: 1, Slot: 0, Function: 0}
	b := persistenced.PCIAddress{Domain: 0, Bus: 1, Slot: 0, Function: 3}
	c := persistenced.PCIAddress{Domain: 0, Bus: 2, Slot: 0, Function: 0}

	assert.True(t, a.Matches(b))
	assert.False(t, a.Matches(c))
	assert.Equal(t, a.Key(), b.Key())
}
