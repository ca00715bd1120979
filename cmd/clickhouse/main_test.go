package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOf(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"1.27.222.121", "1.27.222.121", true},
		{"  10.0.0.1  ", "10.0.0.1", true},
		{"[INFO] 2025/01/26 20:58 1.27.222.121 is alive", "1.27.222.121", true},
		{"[INFO] 2025/01/26 20:58 start scanning", "", false},
		{"total: 3", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			addr, ok := hostOf(tt.line)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, addr.String())
			}
		})
	}
}
