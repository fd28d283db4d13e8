package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDDecoding(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`42`, "42"},
		{`"42"`, "42"},
		{`"abc"`, "abc"},
		{`null`, ""},
		{`12345678901234567890`, "12345678901234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v struct {
				ID ID `json:"id"`
			}
			require.NoError(t, json.Unmarshal([]byte(`{"id":`+tt.in+`}`), &v))
			assert.Equal(t, tt.want, v.ID)
		})
	}

	var v struct {
		ID ID `json:"id"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"id":true}`), &v))
}
