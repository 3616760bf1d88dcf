package body

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(`{"InputFiles":[{"source":"a"}],"OutputFiles":[{"target":"b"}],"MetaData":[{"name":"x","value":"1"}]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, doc.InputSources())
	assert.Equal(t, []string{"b"}, doc.OutputTargets())
	assert.Equal(t, map[string]string{"x": "1"}, doc.MetaDataVariables())

	data, err := doc.Marshal()
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}

func TestParseYAML(t *testing.T) {
	doc, err := Parse([]byte(`
InputFiles:
  - source: root://in/a.root
    target: a.root
OutputFiles:
  - source: out.root
    target: root://out/b.root
MetaData:
  - name: NEVENTS
    value: 1000
    type: int
  - name: DEBUG
    value: true
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"root://in/a.root"}, doc.InputSources())
	assert.Equal(t, []string{"root://out/b.root"}, doc.OutputTargets())
	assert.Equal(t, map[string]string{"NEVENTS": "1000", "DEBUG": "true"}, doc.MetaDataVariables())
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not a mapping", `[1, 2]`},
		{"missing MetaData", `{"InputFiles":[],"OutputFiles":[]}`},
		{"missing InputFiles", `{"OutputFiles":[],"MetaData":[]}`},
		{"section wrong type", `{"InputFiles":{},"OutputFiles":[],"MetaData":[]}`},
		{"input without source", `{"InputFiles":[{"target":"x"}],"OutputFiles":[],"MetaData":[]}`},
		{"output without target", `{"InputFiles":[],"OutputFiles":[{"source":"x"}],"MetaData":[]}`},
		{"variable without name", `{"InputFiles":[],"OutputFiles":[],"MetaData":[{"value":"1"}]}`},
		{"garbage", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedBody), "got %v", err)

			var merr *MalformedError
			assert.True(t, errors.As(err, &merr))
		})
	}
}

func TestParseOrEmpty(t *testing.T) {
	doc, err := ParseOrEmpty(nil)
	require.NoError(t, err)
	assert.True(t, doc.IsEmpty())
	assert.NotNil(t, doc.MetaData)
}

func TestMergeAppendsChildAfterParent(t *testing.T) {
	parent := Document{
		InputFiles: []File{{Source: "p.in"}},
		MetaData:   []Variable{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}},
	}
	child := Document{
		OutputFiles: []File{{Target: "c.out"}},
		MetaData:    []Variable{{Name: "B", Value: "3"}},
	}

	merged := parent.Merge(child)
	assert.Equal(t, []string{"p.in"}, merged.InputSources())
	assert.Equal(t, []string{"c.out"}, merged.OutputTargets())
	assert.Len(t, merged.MetaData, 3)
	assert.Equal(t, map[string]string{"A": "1", "B": "3"}, merged.MetaDataVariables())

	// Inputs are not aliased.
	assert.Len(t, parent.MetaData, 2)
}

func TestOverrideFromVars(t *testing.T) {
	t.Run("pairs", func(t *testing.T) {
		vars, err := OverrideFromVars("a=1; b = two ;;")
		require.NoError(t, err)
		assert.Equal(t, []Variable{
			{Name: "a", Value: "1", Type: "str"},
			{Name: "b", Value: "two", Type: "str"},
		}, vars)
	})

	t.Run("empty", func(t *testing.T) {
		vars, err := OverrideFromVars("")
		require.NoError(t, err)
		assert.Empty(t, vars)
	})

	t.Run("missing equals", func(t *testing.T) {
		_, err := OverrideFromVars("a=1;b")
		assert.ErrorIs(t, err, ErrMalformedBody)
	})
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"3600", 3600, false},
		{"90.5", 90.5, false},
		{"02:30", 9000, false},
		{"01:00:30", 3630, false},
		{"1:2:3:4", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceOverrides(t *testing.T) {
	job := Document{MetaData: []Variable{
		{Name: VarCPUTimeOverride, Value: "01:00"},
		{Name: VarMemoryOverride, Value: "2000"},
	}}
	inst := Document{MetaData: []Variable{{Name: VarMemoryOverride, Value: "4000"}}}

	ov, err := ResourceOverrides(job.Merge(inst))
	require.NoError(t, err)
	require.NotNil(t, ov.CPUMax)
	require.NotNil(t, ov.MemMax)
	assert.Equal(t, 3600.0, *ov.CPUMax)
	assert.Equal(t, 4000.0, *ov.MemMax)

	none, err := ResourceOverrides(Empty())
	require.NoError(t, err)
	assert.Nil(t, none.CPUMax)
	assert.Nil(t, none.MemMax)

	_, err = ResourceOverrides(Document{MetaData: []Variable{{Name: VarMemoryOverride, Value: "lots"}}})
	assert.Error(t, err)
}

func TestWithVariables(t *testing.T) {
	doc := Empty().WithVariables([]Variable{{Name: "k", Value: "v"}})
	require.Len(t, doc.MetaData, 1)
	assert.Equal(t, "str", doc.MetaData[0].Type)
}
