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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/media-relay/pkg/config"
	"github.com/livekit/media-relay/pkg/service"
)

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	tcpPorts, udpPorts := configuredPorts(conf)

	fmt.Println("TCP Ports")
	for _, p := range tcpPorts {
		fmt.Println(p)
	}

	fmt.Println("UDP Ports")
	for _, p := range udpPorts {
		fmt.Println(p)
	}
	return nil
}

func configuredPorts(conf *config.Config) (tcpPorts []string, udpPorts []string) {
	tcpPorts = append(tcpPorts, fmt.Sprintf("%d - HTTP service and signaling", conf.Port))
	if conf.PrometheusPort != 0 {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%d - Prometheus", conf.PrometheusPort))
	}

	iceRange := "ephemeral"
	if conf.RTC.PortRangeStart != 0 {
		iceRange = fmt.Sprintf("%d-%d", conf.RTC.PortRangeStart, conf.RTC.PortRangeEnd)
	}
	if conf.RTC.EnableUDP {
		udpPorts = append(udpPorts, fmt.Sprintf("%s - ICE/UDP range", iceRange))
	}
	if conf.RTC.EnableTCP {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%s - ICE/TCP range", iceRange))
	}
	return
}

func listRooms(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if !conf.Redis.IsConfigured() {
		fmt.Println("redis is not configured, rooms are only known to the node hosting them")
		return nil
	}

	store, err := service.InitializeRoomStore(conf)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		return err
	}

	writeRoomsTable(os.Stdout, rooms)
	return nil
}

func writeRoomsTable(w io.Writer, rooms []*service.RoomInfo) {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Room",
		"Node",
		"Peers",
		"Created",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER,
	})

	for _, room := range rooms {
		created := "-"
		if room.CreationTime > 0 {
			created = humanize.Time(time.Unix(room.CreationTime, 0))
		}
		table.Append([]string{
			room.Name,
			room.NodeID,
			strconv.Itoa(room.NumPeers),
			created,
		})
	}

	table.Render()
}

// createRoom asks a running server to create the room, so that its router lives on that node.
func createRoom(c *cli.Context) error {
	url := c.String("url")
	if url == "" {
		conf, err := getConfig(c)
		if err != nil {
			return err
		}
		url = fmt.Sprintf("http://localhost:%d", conf.Port)
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	roomID, err := requestCreateRoom(ctx, http.DefaultClient, url, c.String("room"))
	if err != nil {
		return err
	}
	fmt.Println("room created:", roomID)
	return nil
}

func requestCreateRoom(ctx context.Context, client *http.Client, baseURL string, roomID string) (string, error) {
	body, err := json.Marshal(service.CreateRoomRequest{RoomID: roomID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&failure)
		return "", errors.Errorf("could not create room: %s %s", res.Status, failure.Error)
	}
	var created service.CreateRoomResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.RoomID, nil
}

func generateConfig(_ *cli.Context) error {
	out, err := yaml.Marshal(&config.DefaultConfig)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
