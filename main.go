// Copyright 2022 The infotainer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alwitt/infotainer/cmd"
	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

// serverArgs command line overrides of the config file, applied only when set
type serverArgs struct {
	DataDir  string
	NATSURI  string `validate:"omitempty,uri"`
	WithNATS bool
}

var cmdArgs cliArgs

var serverCmdArgs serverArgs

var logTags log.Fields

// @title infotainer
// @version v0.1.0
// @description Session oriented publish / subscribe broker with a durable per subscription data log

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "infotainer broker",
		Description: "Session oriented publish / subscribe broker with a durable per subscription data log",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"INFOTAINER_JSON_LOG"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"INFOTAINER_LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Broker config file. Built-in defaults apply when not given.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"INFOTAINER_CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Run the infotainer broker",
				Description: "Serves client sessions over websocket (and optionally NATS), " +
					"along with the management REST API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "data-dir",
						Usage:       "Data log directory. Overrides data_log.data_dir.",
						Aliases:     []string{"d"},
						EnvVars:     []string{"INFOTAINER_DATA_DIR"},
						Destination: &serverCmdArgs.DataDir,
					},
					&cli.BoolFlag{
						Name:        "nats",
						Usage:       "Bridge sessions over NATS. Overrides nats.enabled.",
						EnvVars:     []string{"INFOTAINER_NATS"},
						Destination: &serverCmdArgs.WithNATS,
					},
					&cli.StringFlag{
						Name:        "nats-uri",
						Usage:       "NATS server URI. Overrides nats.connection.server_uri.",
						EnvVars:     []string{"INFOTAINER_NATS_URI"},
						Destination: &serverCmdArgs.NATSURI,
					},
				},
				Action: startServer,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level, err := log.ParseLevel(cmdArgs.LogLevel)
	if err != nil {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

// initialCmdArgsProcessing validate the CLI args, and build the broker config from the
// config file plus any CLI overrides
func initialCmdArgsProcessing(c *cli.Context) (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	if err := validate.Struct(&serverCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server args")
		return nil, err
	}
	setupLogging()

	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	if c.IsSet("data-dir") {
		viper.Set("data_log.data_dir", serverCmdArgs.DataDir)
	}
	if c.IsSet("nats") {
		viper.Set("nats.enabled", serverCmdArgs.WithNATS)
	}
	if c.IsSet("nats-uri") {
		viper.Set("nats.connection.server_uri", serverCmdArgs.NATSURI)
	}

	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	if tmp, err := json.MarshalIndent(&config, "", "  "); err == nil {
		log.WithFields(logTags).Debugf("Broker config\n%s", tmp)
	}
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broker config")
		return nil, err
	}
	return &config, nil
}

// signalRecvSetup cancel the runtime context on SIGINT or SIGTERM
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(cc)
		select {
		case sig := <-cc:
			log.WithFields(logTags).Infof("Received %s, shutting down", sig)
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Server subcommand

// startServer run the broker
func startServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(c)
	if err != nil {
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()

	signalRecvSetup(&wg, runTimeContext, rtCancel)

	return cmd.RunServer(runTimeContext, config, cmdArgs.Hostname)
}
