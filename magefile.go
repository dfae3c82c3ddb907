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

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/magefile/mage/mg"

	"github.com/livekit/mageutil"
)

const (
	goChecksumFile = ".checksumgo"
	binaryName     = "media-relay"
	redisAddr      = "localhost:6379"
	redisContainer = "media-relay-redis"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var (
	Default     = Build
	checksummer = mageutil.NewChecksummer(".", goChecksumFile, ".go", ".mod")
)

func init() {
	checksummer.IgnoredPaths = []string{
		"pkg/service/wire_gen.go",
	}
}

// explicitly reinstall all deps
func Deps() error {
	return installTools(true)
}

// builds the media relay server
func Build() error {
	mg.Deps(generateWire)
	if !checksummer.IsChanged() {
		fmt.Println("up to date")
		return nil
	}

	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	if err := mageutil.RunDir(context.Background(), "cmd/server", "go build -o ../../bin/"+binaryName); err != nil {
		return err
	}

	checksummer.WriteChecksum()
	return nil
}

// cross compiles the server, e.g. mage buildFor linux arm64
func BuildFor(goos, goarch string) error {
	mg.Deps(generateWire)

	out := fmt.Sprintf("../../bin/%s-%s-%s", binaryName, goos, goarch)
	fmt.Println("building", out[len("../../"):])
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	cmd := mageutil.CommandDir(context.Background(), "cmd/server", "go build -buildvcs=false -o "+out)
	cmd.Env = append(os.Environ(),
		"GOOS="+goos,
		"GOARCH="+goarch,
		"CGO_ENABLED=0",
	)
	return cmd.Run()
}

// run unit tests, redis backed tests skip themselves
func Test() error {
	mg.Deps(generateWire, setULimit)
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run all tests against a local redis, starting one in docker when none is listening
func TestAll() error {
	mg.Deps(generateWire, setULimit, ensureRedis)
	return mageutil.Run(context.Background(), "go test ./... -count=1 -timeout=4m -race -v")
}

// writes config-sample.yaml from the server defaults
func SampleConfig() error {
	f, err := os.Create("config-sample.yaml")
	if err != nil {
		return err
	}
	defer f.Close()

	cmd := exec.Command("go", "run", "./cmd/server", "generate-config")
	cmd.Stdout = f
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// cleans up builds and the test redis
func Clean() {
	fmt.Println("cleaning...")
	os.RemoveAll("bin")
	os.Remove(goChecksumFile)
	_ = exec.Command("docker", "rm", "-f", redisContainer).Run()
}

func ensureRedis() error {
	if conn, err := net.DialTimeout("tcp", redisAddr, time.Second); err == nil {
		return conn.Close()
	}

	fmt.Println("starting redis...")
	cmd := exec.Command("docker", "run", "-d", "--rm",
		"--name", redisContainer,
		"-p", "6379:6379",
		"redis:7-alpine")
	mageutil.ConnectStd(cmd)
	if err := cmd.Run(); err != nil {
		return err
	}

	for i := 0; i < 20; i++ {
		if conn, err := net.DialTimeout("tcp", redisAddr, time.Second); err == nil {
			return conn.Close()
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("redis did not come up on %s", redisAddr)
}

// code generation for wiring
func generateWire() error {
	mg.Deps(installDeps)
	if !checksummer.IsChanged() {
		return nil
	}

	fmt.Println("wiring...")

	wire, err := mageutil.GetToolPath("wire")
	if err != nil {
		return err
	}
	cmd := exec.Command(wire)
	cmd.Dir = "pkg/service"
	mageutil.ConnectStd(cmd)
	return cmd.Run()
}

// implicitly install deps
func installDeps() error {
	return installTools(false)
}

func installTools(force bool) error {
	tools := map[string]string{
		"github.com/google/wire/cmd/wire": "latest",
	}
	for t, v := range tools {
		if err := mageutil.InstallTool(t, v, force); err != nil {
			return err
		}
	}
	return nil
}
