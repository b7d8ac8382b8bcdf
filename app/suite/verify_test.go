package suite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAgainstEmbeddedSchema(t *testing.T) {
	valid := Config{Groups: []Group{
		{Name: "setup", Patterns: []string{"tests/setup"}},
		{Name: "main", Patterns: []string{"tests/main"}, DependsOn: []string{"setup"}, Parallel: ParallelFast},
		{Name: "teardown", Patterns: []string{"tests/teardown"}, DependsOn: []string{"main"}, Final: true},
	}}
	require.NoError(t, VerifyAgainstEmbeddedSchema(&valid))
}

func TestVerifyAgainstEmbeddedSchema_Invalid(t *testing.T) {
	tbl := []struct {
		name   string
		groups []Group
		want   string
	}{
		{
			name: "no groups",
			want: "no groups",
		},
		{
			name:   "empty name",
			groups: []Group{{Patterns: []string{"x"}}},
			want:   "has no name",
		},
		{
			name: "duplicate name",
			groups: []Group{
				{Name: "a", Patterns: []string{"x"}},
				{Name: "a", Patterns: []string{"y"}},
			},
			want: "duplicate group name",
		},
		{
			name:   "no patterns",
			groups: []Group{{Name: "a"}},
			want:   "has no patterns",
		},
		{
			name:   "empty pattern",
			groups: []Group{{Name: "a", Patterns: []string{""}}},
			want:   "empty pattern",
		},
		{
			name:   "unknown parallel mode",
			groups: []Group{{Name: "a", Patterns: []string{"x"}, Parallel: "sometimes"}},
			want:   "unknown parallel mode",
		},
		{
			name:   "self dependency",
			groups: []Group{{Name: "a", Patterns: []string{"x"}, DependsOn: []string{"a"}, Final: true}},
			want:   "depends on itself",
		},
		{
			name:   "unknown dependency",
			groups: []Group{{Name: "a", Patterns: []string{"x"}, DependsOn: []string{"ghost"}, Final: true}},
			want:   "unknown group",
		},
		{
			name:   "no final group",
			groups: []Group{{Name: "a", Patterns: []string{"x"}}},
			want:   "no final group",
		},
		{
			name: "multiple final groups",
			groups: []Group{
				{Name: "a", Patterns: []string{"x"}, Final: true},
				{Name: "b", Patterns: []string{"y"}, Final: true},
			},
			want: "multiple final groups",
		},
		{
			name:   "parallel final group",
			groups: []Group{{Name: "a", Patterns: []string{"x"}, Parallel: ParallelFast, Final: true}},
			want:   "can't be parallel",
		},
		{
			name: "final group with successor",
			groups: []Group{
				{Name: "a", Patterns: []string{"x"}, Final: true},
				{Name: "b", Patterns: []string{"y"}, DependsOn: []string{"a"}},
			},
			want: "not last",
		},
		{
			name: "final group before independent group",
			groups: []Group{
				{Name: "a", Patterns: []string{"x"}, Final: true},
				{Name: "b", Patterns: []string{"y"}},
			},
			want: "not last",
		},
		{
			name: "cycle",
			groups: []Group{
				{Name: "a", Patterns: []string{"x"}, DependsOn: []string{"b"}},
				{Name: "b", Patterns: []string{"y"}, DependsOn: []string{"a"}},
				{Name: "c", Patterns: []string{"z"}, Final: true},
			},
			want: "cycle",
		},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyAgainstEmbeddedSchema(&Config{Groups: tt.groups})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	schema, err := GenerateSchema()
	require.NoError(t, err)
	require.NotNil(t, schema)

	// verify schema can be marshaled to JSON
	data, err := schema.MarshalJSON()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// verify it contains expected fields
	schemaStr := string(data)
	assert.Contains(t, schemaStr, "Config")
	assert.Contains(t, schemaStr, "Group")
	assert.Contains(t, schemaStr, "patterns")
	assert.Contains(t, schemaStr, "depends_on")
	assert.Contains(t, schemaStr, "parallel")
	assert.Contains(t, schemaStr, "final")
}
