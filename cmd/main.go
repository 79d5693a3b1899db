/*
Copyright 2025 Lessonbook Authors.

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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lessonbook/lessonbook"
	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/database"
	"github.com/lessonbook/lessonbook/internal/notification"
)

// CLI wraps the root Cobra command.
type CLI struct {
	cmd *cobra.Command
}

// appInstance holds the initialized core and its configuration, shared by all
// subcommands.
type appInstance struct {
	core *lessonbook.Lessonbook
	db   database.IDataSource
	cnf  *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the core before any command runs.
func preRun(app *appInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("lessonbook.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		core, db, err := setupCore(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.core = core
		app.db = db
		app.cnf = cnf

		return nil
	}
}

func setupCore(cfg *config.Configuration) (*lessonbook.Lessonbook, database.IDataSource, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting datasource: %v", err)
	}

	core, err := lessonbook.NewLessonbook(db, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating lessonbook: %v", err)
	}
	return core, db, nil
}

// NewCLI assembles the command tree: server, workers, migrations and config
// inspection.
func NewCLI() *CLI {
	var configFile string
	app := &appInstance{}

	var rootCmd = &cobra.Command{
		Use:   "lessonbook",
		Short: "Booking and payment saga backend",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./lessonbook.json", "Configuration file for lessonbook")

	rootCmd.PersistentPreRunE = preRun(app)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands())

	return &CLI{cmd: rootCmd}
}

func (w CLI) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
