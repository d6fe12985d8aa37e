/*
Copyright 2024-2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeguard/forgeguard"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("category", "forgeguard")

func main() {
	var configFile string
	var debug bool

	flags := flag.NewFlagSet("forgeguard", flag.ExitOnError)
	flags.StringVar(&configFile, "config", "", "environment config file")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	checkErr(flags.Parse(os.Args[1:]), "while parsing flags")

	if debug || os.Getenv("FORGEGUARD_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// Initialize tracing.
	res, err := tracing.NewResource("forgeguard", forgeguard.Version)
	checkErr(err, "while creating tracing resource")

	ctx, cancel := context.WithTimeout(context.Background(), clock.Second*10)
	defer cancel()

	err = tracing.InitTracing(ctx,
		"github.com/forgeguard/forgeguard",
		tracing.WithResource(res),
	)
	if err != nil {
		log.WithError(err).Warn("Error in tracing.InitTracing")
	}

	var configFileReader io.Reader
	if configFile != "" {
		f, err := os.Open(configFile)
		checkErr(err, "while opening config file")
		configFileReader = f
	}

	conf, err := forgeguard.SetupDaemonConfig(logrus.StandardLogger(), configFileReader)
	checkErr(err, "while collecting daemon config")

	daemon, err := forgeguard.SpawnDaemon(ctx, conf)
	checkErr(err, "while spawning daemon")
	cancel()

	// Wait here for signals to clean up our mess
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	for range c {
		log.Info("caught signal; shutting down")
		daemon.Close()
		_ = tracing.CloseTracing(context.Background())
		os.Exit(0)
	}
}

func checkErr(err error, msg string) {
	if err != nil {
		log.WithError(err).Error(msg)
		os.Exit(1)
	}
}
