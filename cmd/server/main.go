// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/service"
	"github.com/livekit/media-relay/pkg/telemetry/prometheus"
	"github.com/livekit/media-relay/pkg/utils"
	"github.com/livekit/media-relay/version"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to media relay config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "media relay config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MEDIA_RELAY_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "node-ip",
		Usage:   "IP address of the current node, announced to clients in ICE candidates",
		EnvVars: []string{"NODE_IP"},
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "media-relay",
		Usage:       "WebRTC media relay with room based signaling",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "print ports that server is configured to use",
				Action: printPorts,
			},
			{
				Name:   "list-rooms",
				Usage:  "list rooms known to the room store",
				Action: listRooms,
			},
			{
				Name:   "create-room",
				Usage:  "create a room on a running server",
				Action: createRoom,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "room",
						Usage:    "id of the room to create",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "base url of the server, defaults to localhost on the configured port",
					},
				},
			},
			{
				Name:   "generate-config",
				Usage:  "print the default configuration as YAML",
				Action: generateConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.NodeID == "" {
		conf.NodeID = guid.New(utils.NodePrefix)
	}

	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		logger.Infow("starting in development mode")
		// without a config, dev mode only serves this machine
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{
				"127.0.0.1",
				"[::1]",
			}
		}
		if conf.RTC.ListenIP == "0.0.0.0" && conf.RTC.AnnouncedIP == "" {
			conf.RTC.ListenIP = "127.0.0.1"
		}
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	memProfile := c.String("memprofile")

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	prometheus.Init(conf.NodeID)

	server, err := service.InitializeServer(conf)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		go server.Stop(false)

		sig = <-sigChan
		logger.Infow("exit requested again, closing all connections", "signal", sig)
		server.Stop(true)
	}()

	return server.Start()
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	configFile, err := config.ExpandPath(configFile)
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
