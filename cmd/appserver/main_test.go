package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xynlabs/xyn/internal/config"
)

func TestDetermineAddr(t *testing.T) {
	cases := []struct {
		name string
		cfg  *config.Config
		want string
	}{
		{
			name: "explicit host and port",
			cfg:  &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 9090}},
			want: "127.0.0.1:9090",
		},
		{
			name: "defaults when zero value",
			cfg:  &config.Config{},
			want: "0.0.0.0:8080",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, determineAddr(tc.cfg))
		})
	}
}
