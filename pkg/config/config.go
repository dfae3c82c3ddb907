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

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/media-relay/pkg/engine"
	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "MEDIA_RELAY_"
)

var (
	ErrInvalidPortRange = errors.New("rtc port range is invalid")
	ErrNoCodecs         = errors.New("at least one codec is required")
)

type Config struct {
	Port           uint32   `yaml:"port,omitempty"`
	BindAddresses  []string `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32   `yaml:"prometheus_port,omitempty"`
	// generated on startup when empty
	NodeID      string        `yaml:"node_id,omitempty"`
	Development bool          `yaml:"development,omitempty"`
	RTC         RTCConfig     `yaml:"rtc,omitempty"`
	Signal      SignalConfig  `yaml:"signal,omitempty"`
	Room        RoomConfig    `yaml:"room,omitempty"`
	Redis       RedisConfig   `yaml:"redis,omitempty"`
	Logging     LoggingConfig `yaml:"logging,omitempty"`
	CORS        CORSConfig    `yaml:"cors,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	// level for pion (webrtc, ice, dtls) components
	PionLevel string `yaml:"pion_level,omitempty"`
}

type RTCConfig struct {
	// number of media workers, 0 means one per CPU
	NumWorkers int `yaml:"num_workers,omitempty"`
	// how long the process keeps running after a worker died
	WorkerDiedGrace time.Duration `yaml:"worker_died_grace,omitempty"`
	PortRangeStart  uint16        `yaml:"port_range_start,omitempty"`
	PortRangeEnd    uint16        `yaml:"port_range_end,omitempty"`

	ListenIP string `yaml:"listen_ip,omitempty"`
	// address put into ICE candidates instead of the listen ip, for hosts behind NAT
	AnnouncedIP   string   `yaml:"announced_ip,omitempty"`
	UseExternalIP bool     `yaml:"use_external_ip,omitempty"`
	STUNServers   []string `yaml:"stun_servers,omitempty"`

	EnableUDP bool `yaml:"enable_udp,omitempty"`
	EnableTCP bool `yaml:"enable_tcp,omitempty"`
	PreferUDP bool `yaml:"prefer_udp,omitempty"`
	PreferTCP bool `yaml:"prefer_tcp,omitempty"`

	InitialAvailableOutgoingBitrate uint32 `yaml:"initial_available_outgoing_bitrate,omitempty"`
	MinimumAvailableOutgoingBitrate uint32 `yaml:"minimum_available_outgoing_bitrate,omitempty"`
	MaxIncomingBitrate              uint32 `yaml:"max_incoming_bitrate,omitempty"`

	// upper bound for a single engine call made on behalf of a client request
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	Codecs []engine.RtpCodecCapability `yaml:"codecs,omitempty"`
}

type SignalConfig struct {
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`
	PingTimeout  time.Duration `yaml:"ping_timeout,omitempty"`
	// largest frame accepted from a client
	MaxMessageSize int64 `yaml:"max_message_size,omitempty"`
	// frames waiting to be written per connection before new ones are dropped
	WriteQueueSize uint `yaml:"write_queue_size,omitempty"`
}

type RoomConfig struct {
	// seconds an unused room is kept before it is closed, 0 keeps rooms forever
	EmptyTimeout uint32 `yaml:"empty_timeout,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

func (r RedisConfig) IsConfigured() bool {
	return r.Address != ""
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

var DefaultConfig = Config{
	Port: 3000,
	RTC: RTCConfig{
		WorkerDiedGrace: 2 * time.Second,
		PortRangeStart:  40000,
		PortRangeEnd:    49999,
		ListenIP:        "0.0.0.0",
		STUNServers:     DefaultStunServers,

		EnableUDP: true,
		EnableTCP: true,
		PreferTCP: true,

		InitialAvailableOutgoingBitrate: 1_000_000,
		MinimumAvailableOutgoingBitrate: 600_000,
		MaxIncomingBitrate:              1_500_000,

		RequestTimeout: 10 * time.Second,

		Codecs: []engine.RtpCodecCapability{
			{
				Kind:      engine.MediaKindAudio,
				MimeType:  "audio/opus",
				ClockRate: 48000,
				Channels:  2,
			},
			{
				Kind:      engine.MediaKindVideo,
				MimeType:  "video/VP8",
				ClockRate: 90000,
				Parameters: engine.CodecParameters{
					"x-google-start-bitrate": 1000,
				},
			},
			{
				Kind:      engine.MediaKindVideo,
				MimeType:  "video/VP9",
				ClockRate: 90000,
				Parameters: engine.CodecParameters{
					"profile-id":             2,
					"x-google-start-bitrate": 1000,
				},
			},
			{
				Kind:      engine.MediaKindVideo,
				MimeType:  "video/h264",
				ClockRate: 90000,
				Parameters: engine.CodecParameters{
					"packetization-mode":      1,
					"profile-level-id":        "4d0032",
					"level-asymmetry-allowed": 1,
					"x-google-start-bitrate":  1000,
				},
			},
			{
				Kind:      engine.MediaKindVideo,
				MimeType:  "video/h264",
				ClockRate: 90000,
				Parameters: engine.CodecParameters{
					"packetization-mode":      1,
					"profile-level-id":        "42e01f",
					"level-asymmetry-allowed": 1,
					"x-google-start-bitrate":  1000,
				},
			},
		},
	},
	Signal: SignalConfig{
		PingInterval:   10 * time.Second,
		PingTimeout:    30 * time.Second,
		MaxMessageSize: 1 << 20,
		WriteQueueSize: 1000,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.RTC.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate RTC config: %v", err)
	}

	if conf.RTC.AnnouncedIP == "" && conf.RTC.UseExternalIP {
		ip, err := conf.determineIP()
		if err != nil {
			return nil, err
		}
		conf.RTC.AnnouncedIP = ip
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

func (r *RTCConfig) Validate() error {
	if r.PortRangeStart != 0 || r.PortRangeEnd != 0 {
		if r.PortRangeStart == 0 || r.PortRangeEnd < r.PortRangeStart {
			return errors.Wrapf(ErrInvalidPortRange, "%d-%d", r.PortRangeStart, r.PortRangeEnd)
		}
	}
	if len(r.Codecs) == 0 {
		return ErrNoCodecs
	}
	if !r.EnableUDP && !r.EnableTCP {
		return errors.New("one of enable_udp or enable_tcp must be set")
	}
	return nil
}

// TransportOptions are the options every WebRTC transport is created with.
func (r *RTCConfig) TransportOptions() engine.WebRtcTransportOptions {
	return engine.WebRtcTransportOptions{
		ListenIPs: []engine.TransportListenIP{{
			IP:          r.ListenIP,
			AnnouncedIP: r.AnnouncedIP,
		}},
		EnableUDP:                       r.EnableUDP,
		EnableTCP:                       r.EnableTCP,
		PreferUDP:                       r.PreferUDP,
		PreferTCP:                       r.PreferTCP,
		InitialAvailableOutgoingBitrate: r.InitialAvailableOutgoingBitrate,
		MinimumAvailableOutgoingBitrate: r.MinimumAvailableOutgoingBitrate,
		MaxIncomingBitrate:              r.MaxIncomingBitrate,
	}
}

func (r *RTCConfig) WorkerSettings() engine.WorkerSettings {
	return engine.WorkerSettings{
		RtcMinPort: r.PortRangeStart,
		RtcMaxPort: r.PortRangeEnd,
	}
}

// ExpandPath resolves ~ and environment variables in a path given in the config or on the command line.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return homedir.Expand(os.ExpandEnv(path))
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTag := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
			if yamlTag == "" || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func envVarName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, ".", "_"))
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVars := []string{envVarName(name)}

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: envVars,
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: envVars,
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			// only settable from the config file
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(int64(c.Int(flagName)))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
			configValue.SetUint(uint64(c.Uint(flagName)))
		case reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("node-ip") {
		conf.RTC.AnnouncedIP = c.String("node-ip")
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	return nil
}

func InitLoggerFromConfig(conf *LoggingConfig) {
	logger.InitFromConfig(&conf.Config, "media-relay")
}
