package server_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/config"
	"github.com/victornm/quizsync/internal/server"
)

func TestConfig_LoadLocal(t *testing.T) {
	c := server.DefaultConfig()
	require.NoError(t, config.Load("../../config/local.yaml", &c))

	assert.Equal(t, []string{"localhost:6379"}, c.Redis.Session.Addrs)
	assert.Equal(t, "local:pubsub", c.Redis.Pubsub.Prefix)
	assert.Equal(t, "quizsync", c.Postgres.History.Name)
	assert.Equal(t, 3, c.Game.CountdownStart)
	assert.Equal(t, 30*time.Second, c.Game.TeardownDelay)
	assert.Equal(t, 10, c.Game.JoinCodeAttempts)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() server.Config {
		c := server.DefaultConfig()
		c.Redis.Session.Addrs = []string{"localhost:6379"}
		c.Redis.Leaderboard.Addrs = []string{"localhost:6379"}
		c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
		c.Postgres.Quiz.Addr = "localhost:5432"
		c.Postgres.History.Addr = "localhost:5432"
		c.Auth.Secret = "0123456789abcdef"
		return c
	}

	tests := map[string]struct {
		arrange func(c *server.Config)
		wantErr string
	}{
		"valid": {
			arrange: func(*server.Config) {},
		},
		"missing session redis": {
			arrange: func(c *server.Config) { c.Redis.Session.Addrs = nil },
			wantErr: "redis.session.addrs",
		},
		"missing history postgres": {
			arrange: func(c *server.Config) { c.Postgres.History.Addr = "" },
			wantErr: "postgres.history.addr",
		},
		"short secret": {
			arrange: func(c *server.Config) { c.Auth.Secret = "short" },
			wantErr: "auth.secret",
		},
		"zero tick interval": {
			arrange: func(c *server.Config) { c.Game.TickInterval = 0 },
			wantErr: "game.tickinterval",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.arrange(&c)

			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
