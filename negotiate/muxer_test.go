package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectEarlyMuxer(t *testing.T) {
	tests := []struct {
		name                 string
		initiator, responder []string
		want                 string
	}{
		{"responder superset", []string{"/mplex"}, []string{"/yamux", "/mplex"}, "/mplex"},
		{"single overlap", []string{"/A", "/B"}, []string{"/C", "/B"}, "/B"},
		{"initiator order wins", []string{"/mplex", "/yamux"}, []string{"/yamux", "/mplex"}, "/mplex"},
		{"initiator empty", nil, []string{"/yamux"}, ""},
		{"responder empty", []string{"/yamux"}, nil, ""},
		{"no overlap", []string{"/a"}, []string{"/b"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectEarlyMuxer(tt.initiator, tt.responder))
		})
	}
}
