package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DebugHTTP bool `env:"SOFTSWITCH_DEBUG_HTTP"`

	// Inbound: the ESL server to dial and authenticate against.
	ServerHost     string `env:"SOFTSWITCH_ESL_HOST"`
	ServerPort     int    `env:"SOFTSWITCH_ESL_PORT,default=8021"`
	ServerPassword string `env:"SOFTSWITCH_ESL_PASSWORD,default=ClueCon"`
	EventFilter    string `env:"SOFTSWITCH_ESL_EVENTS,default=ALL"`
	RoutingKey     string `env:"SOFTSWITCH_ESL_ROUTING_KEY"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
