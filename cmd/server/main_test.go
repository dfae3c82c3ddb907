package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/service"
	"github.com/livekit/media-relay/pkg/utils"
)

type testStruct struct {
	configFileName string
	configBody     string

	expectedError      error
	expectedConfigBody string
}

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	tests := []testStruct{
		{"", "", nil, ""},
		{"", "configBody", nil, "configBody"},
		{filepath.Join(dir, "file"), "configBody", nil, "configBody"},
		{filepath.Join(dir, "file"), "", nil, "fileContent"},
	}
	for _, test := range tests {
		func() {
			writeConfigFile(test, t)
			defer os.Remove(test.configFileName)

			configBody, err := getConfigString(test.configFileName, test.configBody)
			require.Equal(t, test.expectedError, err)
			require.Equal(t, test.expectedConfigBody, configBody)
		}()
	}
}

func TestShouldReturnErrorIfConfigFileDoesNotExist(t *testing.T) {
	configBody, err := getConfigString("notExistingFile", "")
	require.Error(t, err)
	require.Empty(t, configBody)
}

func TestConfigFileFromEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), []byte("port: 4000"), 0o644))
	t.Setenv("RELAY_CONFIG_DIR", dir)

	configBody, err := getConfigString("$RELAY_CONFIG_DIR/relay.yaml", "")
	require.NoError(t, err)
	require.Equal(t, "port: 4000", configBody)
}

func TestGetConfigFillsNodeID(t *testing.T) {
	set := flag.NewFlagSet("test", 0)
	set.String("config-body", "port: 7000\nlogging:\n  pion_level: warn", "")
	c := cli.NewContext(cli.NewApp(), set, nil)

	conf, err := getConfig(c)
	require.NoError(t, err)
	require.Equal(t, uint32(7000), conf.Port)
	require.True(t, strings.HasPrefix(conf.NodeID, utils.NodePrefix))
	require.Greater(t, len(conf.NodeID), len(utils.NodePrefix))
	require.Equal(t, "warn", conf.Logging.ComponentLevels["pion"])
}

func TestConfiguredPorts(t *testing.T) {
	conf := config.DefaultConfig
	conf.PrometheusPort = 6789

	tcp, udp := configuredPorts(&conf)
	require.Equal(t, []string{
		"3000 - HTTP service and signaling",
		"6789 - Prometheus",
		"40000-49999 - ICE/TCP range",
	}, tcp)
	require.Equal(t, []string{"40000-49999 - ICE/UDP range"}, udp)

	conf.RTC.EnableTCP = false
	conf.RTC.PortRangeStart, conf.RTC.PortRangeEnd = 0, 0
	tcp, udp = configuredPorts(&conf)
	require.Len(t, tcp, 2)
	require.Equal(t, []string{"ephemeral - ICE/UDP range"}, udp)
}

func TestWriteRoomsTable(t *testing.T) {
	var buf bytes.Buffer
	writeRoomsTable(&buf, []*service.RoomInfo{
		{Name: "lobby", NodeID: "ND_a", NumPeers: 3, CreationTime: time.Now().Add(-time.Hour).Unix()},
		{Name: "empty", NodeID: "ND_b"},
	})
	out := buf.String()
	require.Contains(t, out, "lobby")
	require.Contains(t, out, "ND_b")
	require.Contains(t, out, "1 hour ago")
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(&config.DefaultConfig)
	require.NoError(t, err)

	conf, err := config.NewConfig(string(out), true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig.Port, conf.Port)
	require.Equal(t, len(config.DefaultConfig.RTC.Codecs), len(conf.RTC.Codecs))
}

func writeConfigFile(test testStruct, t *testing.T) {
	if test.configFileName != "" {
		d1 := []byte(test.expectedConfigBody)
		err := os.WriteFile(test.configFileName, d1, 0o644)
		require.NoError(t, err)
	}
}

func TestRequestCreateRoom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/rooms", r.URL.Path)
		var req service.CreateRoomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.RoomID == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"roomId is required"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"roomId":"` + req.RoomID + `"}`))
	}))
	defer server.Close()

	roomID, err := requestCreateRoom(context.Background(), server.Client(), server.URL+"/", "lobby")
	require.NoError(t, err)
	require.Equal(t, "lobby", roomID)

	_, err = requestCreateRoom(context.Background(), server.Client(), server.URL, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "roomId is required")
}
