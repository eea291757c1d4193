// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"time"

	"github.com/spf13/viper"
)

// serverConfig holds everything viper resolves from flags, env (ROOMD_
// prefix) and an optional config file, mirroring the teacher's cobra+viper
// layering in cmd/loom.
type serverConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	AnthropicModel  string `mapstructure:"anthropic_model"`

	AppServerCommand string   `mapstructure:"app_server_command"`
	AppServerArgs    []string `mapstructure:"app_server_args"`

	ClientPoolConcurrency int64 `mapstructure:"client_pool_concurrency"`

	TapeSeed             uint64 `mapstructure:"tape_seed"`
	ResponseGeneratorSeed uint64 `mapstructure:"response_generator_seed"`

	SchedulerTickInterval  time.Duration `mapstructure:"scheduler_tick_interval"`
	SchedulerIdleThreshold time.Duration `mapstructure:"scheduler_idle_threshold"`

	TicketTTL time.Duration `mapstructure:"ticket_ttl"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		ListenAddr:             ":8080",
		AnthropicModel:         "claude-sonnet-4-5",
		AppServerCommand:       "room-app-server",
		ClientPoolConcurrency:  10,
		TapeSeed:               1,
		ResponseGeneratorSeed:  1,
		SchedulerTickInterval:  30 * time.Second,
		SchedulerIdleThreshold: 2 * time.Minute,
		TicketTTL:              60 * time.Second,
	}
}

func loadConfig(v *viper.Viper) (serverConfig, error) {
	cfg := defaultServerConfig()

	v.SetEnvPrefix("ROOMD")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("anthropic_model", cfg.AnthropicModel)
	v.SetDefault("app_server_command", cfg.AppServerCommand)
	v.SetDefault("client_pool_concurrency", cfg.ClientPoolConcurrency)
	v.SetDefault("tape_seed", cfg.TapeSeed)
	v.SetDefault("response_generator_seed", cfg.ResponseGeneratorSeed)
	v.SetDefault("scheduler_tick_interval", cfg.SchedulerTickInterval)
	v.SetDefault("scheduler_idle_threshold", cfg.SchedulerIdleThreshold)
	v.SetDefault("ticket_ttl", cfg.TicketTTL)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
