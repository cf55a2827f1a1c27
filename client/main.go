package main

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/tui"
)

var logger = logrus.New()

func main() {
	// Parse flags.
	flags := parseFlags()

	// Set up logger.
	logFile, debugLogFile, err := setupLogger(logger)
	if err != nil {
		color.Red("Failed to set up logger: %s\n", err)
		os.Exit(1)
	}
	defer closeLogFiles(logFile, debugLogFile)

	if flags.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	c := newClient(flags, logger)

	model := tui.New(tui.Options{
		Document: flags.Document,
		Name:     flags.Name,
		Source:   c,
		OnLogin:  c.login,
		OnEdit:   c.edit,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())
	go c.forward(program)

	err = program.Start()
	c.stop()
	if err != nil {
		color.Red("Failed to run the editor: %s\n", err)
		logger.WithError(err).Error("editor exited")
		closeLogFiles(logFile, debugLogFile)
		os.Exit(1)
	}
}
