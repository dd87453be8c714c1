package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pylon/internal/models"
)

func TestExtractPeers(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []models.PeerDescriptor
	}{
		{
			name: "no discovery field",
			body: `{"name":"a","polled":{"cpu_usage":1}}`,
		},
		{
			name: "ip and host aliases",
			body: `{"remote_pylons":[{"ip":"10.0.0.2","port":9000,"token":"t","name":"b"},{"host":"10.0.0.3","port":9001,"token":"u"}]}`,
			want: []models.PeerDescriptor{
				{Host: "10.0.0.2", Port: 9000, Token: "t", Name: "b"},
				{Host: "10.0.0.3", Port: 9001, Token: "u"},
			},
		},
		{
			name: "malformed entries are skipped individually",
			body: `{"remote_pylons":[{"port":9000},{"ip":"10.0.0.4"},{"ip":"10.0.0.5","port":"x"},{"ip":"10.0.0.6","port":70000},42,{"ip":"10.0.0.7","port":9000,"token":"ok"}]}`,
			want: []models.PeerDescriptor{{Host: "10.0.0.7", Port: 9000, Token: "ok"}},
		},
		{
			name: "field is not an array",
			body: `{"remote_pylons":{"ip":"10.0.0.2","port":9000}}`,
		},
		{
			name: "null field",
			body: `{"remote_pylons":null}`,
		},
		{
			name: "not a document",
			body: `[1,2,3]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractPeers([]byte(tt.body))
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}
