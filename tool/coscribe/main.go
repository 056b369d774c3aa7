/*
Copyright 2025 Coscribe, Inc.

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
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/coscribe/coscribe"
	"github.com/coscribe/coscribe/lib/config"
	"github.com/coscribe/coscribe/lib/defaults"
	"github.com/coscribe/coscribe/lib/service"
	"github.com/coscribe/coscribe/lib/utils"
)

const appHelp = `Coscribe is a real-time collaborative text editing server.

Clients connect over a websocket, join a room per document and exchange
edit operations. The server orders concurrent edits, keeps every client
convergent and persists documents to the configured storage backend.`

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and executes the selected command. It is
// separate from main so tests can drive the binary without exec.
func Run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logging must be configured as early as possible; the config file
	// adjusts severity and format later.
	if err := utils.InitLogger(log.InfoLevel, utils.LogFormatText); err != nil {
		return trace.Wrap(err)
	}

	// Load the .env file if one exists. Variables already set in the
	// environment win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err, "failed to load .env")
	}

	var ccf config.CommandLineFlags

	app := kingpin.New("coscribe", appHelp)
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging to stderr.").Short('d').BoolVar(&ccf.Debug)

	start := app.Command("start", "Starts the coscribe server.")
	start.Flag("config", fmt.Sprintf("Path to a configuration file [%v].", defaults.ConfigFilePath)).Short('c').ExistingFileVar(&ccf.ConfigFile)
	start.Flag("config-string", "Base64 encoded configuration string.").Hidden().Envar(defaults.ConfigEnvar).StringVar(&ccf.ConfigString)
	start.Flag("listen-addr", fmt.Sprintf("Address to bind to [%v].", defaults.ListenAddr)).StringVar(&ccf.ListenAddr)
	start.Flag("storage", "Storage backend type (memory, sqlite, postgres, redis).").StringVar(&ccf.StorageType)
	start.Flag("durable", "Acknowledge operations only after they are persisted.").BoolVar(&ccf.Durable)

	ver := app.Command("version", "Print the version of your coscribe binary.")

	dump := app.Command("configure", "Print a sample configuration file and exit.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		err = onStart(ctx, &ccf)
	case ver.FullCommand():
		printVersion()
	case dump.FullCommand():
		fmt.Print(config.MakeSampleFileConfig().DebugDumpToYAML())
	default:
		// This should only happen when there's a missing switch case above.
		err = trace.BadParameter("command %q not configured", command)
	}

	return trace.Wrap(err)
}

// onStart builds the runtime config out of defaults, the config file and
// CLI flags, then runs the server until the context is canceled.
func onStart(ctx context.Context, ccf *config.CommandLineFlags) error {
	var cfg service.Config
	if err := config.Configure(ccf, &cfg); err != nil {
		return trace.Wrap(err)
	}

	log.Infof("Starting Coscribe v%v.", coscribe.Version)
	process, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

// printVersion prints the human readable version.
func printVersion() {
	fmt.Printf("Coscribe v%v go:%v\n", coscribe.Version, runtime.Version())
}
