package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClusterMatchID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ClusterMatchID
		wantErr bool
	}{
		{
			name:  "simple",
			input: "node1-abc123-42",
			want:  ClusterMatchID{NodeID: "node1", ContainerID: "abc123", LocalID: "42"},
		},
		{
			name:  "node id with hyphens",
			input: "eu-west-gs-07-deadbeef-9001",
			want:  ClusterMatchID{NodeID: "eu-west-gs-07", ContainerID: "deadbeef", LocalID: "9001"},
		},
		{
			name:    "missing components",
			input:   "node1-abc123",
			wantErr: true,
		},
		{
			name:    "trailing hyphen",
			input:   "node1-abc123-",
			wantErr: true,
		},
		{
			name:    "empty container id",
			input:   "node1--42",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no hyphens",
			input:   "nodeabc42",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClusterMatchID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClusterMatchIDRoundTrip(t *testing.T) {
	id := ClusterMatchID{NodeID: "eu-west-gs-07", ContainerID: "deadbeef", LocalID: "9001"}

	parsed, err := ParseClusterMatchID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestClusterMatchIDJSON(t *testing.T) {
	id := ClusterMatchID{NodeID: "node-1", ContainerID: "c0ffee", LocalID: "7"}

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"node-1-c0ffee-7"`, string(data))

	var decoded ClusterMatchID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
}

func TestClusterMatchIDIsZero(t *testing.T) {
	assert.True(t, ClusterMatchID{}.IsZero())
	assert.False(t, ClusterMatchID{NodeID: "n"}.IsZero())
}

func TestMatchStatusHelpers(t *testing.T) {
	assert.True(t, MatchStatusCreating.Active())
	assert.True(t, MatchStatusRunning.Active())
	assert.False(t, MatchStatusFinished.Active())
	assert.False(t, MatchStatusError.Active())

	assert.False(t, MatchStatusCreating.Terminal())
	assert.False(t, MatchStatusRunning.Terminal())
	assert.True(t, MatchStatusFinished.Terminal())
	assert.True(t, MatchStatusError.Terminal())
}
