package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCPU(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"500m", 500_000_000, false},
		{"1", 1_000_000_000, false},
		{"2.5", 2_500_000_000, false},
		{"nope", 0, true},
		{"nopem", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseCPU(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512Mi", 512 * 1024 * 1024, false},
		{"1Gi", 1024 * 1024 * 1024, false},
		{"1Ki", 1024, false},
		{"1G", 1_000_000_000, false},
		{"garbage", 0, true},
		{"1Gigantic", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseMemory(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
