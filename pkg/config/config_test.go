package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/media-relay/pkg/config/configtest"
	"github.com/livekit/media-relay/pkg/engine"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(3000), conf.Port)
	require.Equal(t, 0, conf.RTC.NumWorkers)
	require.Equal(t, 2*time.Second, conf.RTC.WorkerDiedGrace)
	require.Equal(t, uint32(0), conf.Room.EmptyTimeout)
	require.Len(t, conf.RTC.Codecs, 5)
	require.Equal(t, "audio/opus", conf.RTC.Codecs[0].MimeType)

	profile, ok := conf.RTC.Codecs[3].Parameters.String("profile-level-id")
	require.True(t, ok)
	require.Equal(t, "4d0032", profile)

	opts := conf.RTC.TransportOptions()
	require.True(t, opts.EnableUDP)
	require.True(t, opts.EnableTCP)
	require.True(t, opts.PreferTCP)
	require.False(t, opts.PreferUDP)
	require.Equal(t, uint32(1_000_000), opts.InitialAvailableOutgoingBitrate)
	require.Equal(t, uint32(600_000), opts.MinimumAvailableOutgoingBitrate)
	require.Equal(t, uint32(1_500_000), opts.MaxIncomingBitrate)
	require.Equal(t, "0.0.0.0", opts.ListenIPs[0].IP)

	// defaults build a valid router
	_, err = engine.GenerateRouterRtpCapabilities(conf.RTC.Codecs)
	require.NoError(t, err)
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `room:
  empty_timeout: 10
rtc:
  announced_ip: 1.2.3.4
  prefer_tcp: false`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(10), conf.Room.EmptyTimeout)
	require.Equal(t, "1.2.3.4", conf.RTC.AnnouncedIP)
	require.False(t, conf.RTC.PreferTCP)
	require.True(t, conf.RTC.EnableTCP)
	require.Equal(t, uint32(3000), conf.Port)
	require.Len(t, conf.RTC.Codecs, 5)
}

func TestConfig_Codecs(t *testing.T) {
	const content = `rtc:
  codecs:
    - kind: audio
      mime_type: audio/opus
      clock_rate: 48000
      channels: 2`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []engine.RtpCodecCapability{
		{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}, conf.RTC.Codecs)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
room:
  empty_timeout: 10`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	_, err = NewConfig(content, false, nil, nil)
	require.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewConfig("rtc:\n  port_range_start: 5000\n  port_range_end: 4000", true, nil, nil)
	require.ErrorContains(t, err, ErrInvalidPortRange.Error())

	_, err = NewConfig("rtc:\n  enable_udp: false\n  enable_tcp: false", true, nil, nil)
	require.Error(t, err)
}

func TestConfig_DevelopmentLogging(t *testing.T) {
	conf, err := NewConfig("development: true", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.Logging.Level)
}

func TestConfig_PionLevel(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "error", conf.Logging.ComponentLevels["pion"])

	conf, err = NewConfig("logging:\n  level: info\n  pion_level: debug", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "info", conf.Logging.Level)
	require.Equal(t, "debug", conf.Logging.ComponentLevels["pion"])
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Name = "test"
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Bool("rtc.prefer_udp", true, "")                       // bool
	set.String("redis.address", "localhost:6379", "")          // string
	set.Uint("prometheus_port", 9999, "")                      // uint32
	set.Int("rtc.num_workers", 3, "")                          // int
	set.Duration("rtc.worker_died_grace", 5*time.Second, "")   // duration
	set.Uint("rtc.port_range_start", 10000, "")                // uint16
	set.Uint("rtc.port_range_end", 20000, "")                  // uint16
	set.Bool("rtc.enable_udp", true, "")                       // bool
	set.Bool("rtc.enable_tcp", true, "")                       // bool
	set.Duration("rtc.request_timeout", 3*time.Second, "")     // duration
	set.Uint("signal.write_queue_size", 10, "")                // uint
	set.Int64("signal.max_message_size", 4096, "")             // int64
	set.Duration("signal.ping_interval", time.Second, "")      // duration
	set.Duration("signal.ping_timeout", 2*time.Second, "")     // duration
	set.String("rtc.listen_ip", "127.0.0.1", "")               // string
	set.String("logging.pion_level", "warn", "")               // string
	set.Uint("port", 7880, "")                                 // uint32
	set.Uint("room.empty_timeout", 30, "")                     // uint32
	set.Uint("rtc.initial_available_outgoing_bitrate", 10, "") // uint32

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.True(t, conf.RTC.PreferUDP)
	require.Equal(t, "localhost:6379", conf.Redis.Address)
	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, 3, conf.RTC.NumWorkers)
	require.Equal(t, 5*time.Second, conf.RTC.WorkerDiedGrace)
	require.Equal(t, uint16(10000), conf.RTC.PortRangeStart)
	require.Equal(t, uint32(30), conf.Room.EmptyTimeout)
	require.Equal(t, time.Second, conf.Signal.PingInterval)
}

func TestYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}

func TestExpandPath(t *testing.T) {
	t.Setenv("MEDIA_RELAY_TEST_DIR", "/tmp/relay")
	p, err := ExpandPath("$MEDIA_RELAY_TEST_DIR/config.yaml")
	require.NoError(t, err)
	require.Equal(t, "/tmp/relay/config.yaml", p)

	p, err = ExpandPath("")
	require.NoError(t, err)
	require.Empty(t, p)
}
