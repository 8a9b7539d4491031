package loader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
)

func testConfig() Config {
	return Config{
		Categories:      []string{"presidential", "senate"},
		DefaultPriority: 10,
	}
}

func TestLoadFansOutCategories(t *testing.T) {
	t.Parallel()

	manifest := strings.Join([]string{
		"region,subregion,zone,station",
		"05,12,03,41502",
		"05,12,03,41503",
	}, "\n")

	jobs, err := Load(strings.NewReader(manifest), testConfig())
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	require.Equal(t, harvest.NaturalKey{
		Region: "05", Subregion: "12", Zone: "03", Station: "41502", Category: "presidential",
	}, jobs[0].Key)
	require.Equal(t, "senate", jobs[1].Key.Category)
	require.Equal(t, "41503", jobs[2].Key.Station)
	for _, job := range jobs {
		require.Equal(t, 10, job.Priority)
	}
}

func TestLoadPriorityColumnOverridesDefault(t *testing.T) {
	t.Parallel()

	manifest := "05,12,03,41502,90\n05,12,03,41503\n"
	jobs, err := Load(strings.NewReader(manifest), testConfig())
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	require.Equal(t, 90, jobs[0].Priority)
	require.Equal(t, 90, jobs[1].Priority)
	require.Equal(t, 10, jobs[2].Priority)
}

func TestLoadSkipsBlankLines(t *testing.T) {
	t.Parallel()

	manifest := "05,12,03,41502\n\n  , , ,\n05,12,03,41503\n"
	jobs, err := Load(strings.NewReader(manifest), testConfig())
	require.NoError(t, err)
	require.Len(t, jobs, 4)
}

func TestLoadRejectsBadRows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{"too few columns", "05,12,03\n", "expected at least 4 columns"},
		{"empty key column", "05,,03,41502\n", "empty key column"},
		{"bad priority", "05,12,03,41502,high\n", "bad priority"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(strings.NewReader(tc.manifest), testConfig())
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadRequiresCategories(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader("05,12,03,41502\n"), Config{})
	require.ErrorContains(t, err, "no categories configured")
}
