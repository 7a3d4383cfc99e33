package cascade

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStageFor(t *testing.T) {
	tests := []struct {
		raised, goal string
		want         string
	}{
		{"0", "1000", "Droplet"},
		{"249.99", "1000", "Droplet"},
		{"250", "1000", "Stream"},
		{"500", "1000", "Creek"},
		{"950", "1000", "River"},
		{"1000", "1000", "Cascade"},
		{"1500", "1000", "Cascade"},
		{"10", "0", "Droplet"},
		{"-5", "100", "Droplet"},
	}

	for _, tt := range tests {
		t.Run(tt.raised+"/"+tt.goal, func(t *testing.T) {
			require.Equal(t, tt.want, StageFor(d(tt.raised), d(tt.goal)).Name)
		})
	}
}

func TestStageDependsOnlyOnRatio(t *testing.T) {
	pairs := [][4]string{
		{"1", "3", "2", "6"},
		{"3", "4", "300", "400"},
		{"0.5", "2", "125", "500"},
		{"7", "7", "1", "1"},
	}
	for _, p := range pairs {
		require.Equal(t, StageFor(d(p[0]), d(p[1])), StageFor(d(p[2]), d(p[3])), "%v", p)
	}
}

func TestCrossed(t *testing.T) {
	before := StageFor(d("950"), d("1000"))
	after := StageFor(d("1000"), d("1000"))
	require.Equal(t, "River", before.Name)
	require.Equal(t, "Cascade", after.Name)
	require.True(t, Crossed(before, after))
	require.False(t, Crossed(after, after))
}

func TestStagesAscending(t *testing.T) {
	all := Stages()
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i].Threshold.GreaterThan(all[i-1].Threshold))
	}
	require.EqualValues(t, 75, all[3].Percent())

	all[0].Name = "mutated"
	require.Equal(t, "Droplet", Stages()[0].Name)
}
