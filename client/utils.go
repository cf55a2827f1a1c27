package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"github.com/burntcarrot/padsync/replica"
)

// Flags represents the command-line flags that are passed to padsync's client.
type Flags struct {
	Server   string
	Secure   bool
	Document string
	Name     string
	Token    string
	Debug    bool
}

// parseFlags parses command-line flags.
func parseFlags() Flags {
	serverAddr := flag.String("server", "localhost:8080", "The network address of the server")
	useSecureConn := flag.Bool("secure", false, "Enable a secure WebSocket connection (wss://)")
	document := flag.String("doc", "scratch", "The document to edit")
	name := flag.String("name", "", "Display name (prompted for when empty)")
	token := flag.String("token", "", "Admission token issued by the server's operator")
	enableDebug := flag.Bool("debug", false, "Enable debugging mode to show more verbose logs")

	flag.Parse()

	return Flags{
		Server:   *serverAddr,
		Secure:   *useSecureConn,
		Document: *document,
		Name:     *name,
		Token:    *token,
		Debug:    *enableDebug,
	}
}

// realtimeURL returns the address of the document's realtime endpoint.
func realtimeURL(flags Flags, name string) url.URL {
	scheme := "ws"
	if flags.Secure {
		scheme = "wss"
	}

	query := url.Values{}
	query.Set("name", name)
	if flags.Token != "" {
		query.Set("token", flags.Token)
	}

	return url.URL{
		Scheme:   scheme,
		Host:     flags.Server,
		Path:     "/realtime/" + url.PathEscape(flags.Document),
		RawQuery: query.Encode(),
	}
}

// createConn creates a WebSocket connection.
func createConn(flags Flags, name string) (*websocket.Conn, *http.Response, error) {
	u := realtimeURL(flags, name)

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	return dialer.Dial(u.String(), nil)
}

// ensureDirExists ensures that a directory exists, and if it isn't present, it tries to create a new one.
func ensureDirExists(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}

	err := os.Mkdir(path, 0700)
	if err != nil {
		return false, err
	}

	return true, nil
}

// setupLogger initializes the client's logger (logrus). Logs go to files so
// they never draw over the terminal UI.
func setupLogger(logger *logrus.Logger) (*os.File, *os.File, error) {
	logPath := "padsync.log"
	debugLogPath := "padsync-debug.log"

	homeDirExists := true
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDirExists = false
	}

	padsyncDir := filepath.Join(homeDir, ".padsync")

	dirExists, err := ensureDirExists(padsyncDir)
	if err != nil {
		return nil, nil, err
	}

	if dirExists && homeDirExists {
		logPath = filepath.Join(padsyncDir, "padsync.log")
		debugLogPath = filepath.Join(padsyncDir, "padsync-debug.log")
	}

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		return nil, nil, err
	}

	debugLogFile, err := os.OpenFile(debugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // skipcq: GSC-G302
	if err != nil {
		logFile.Close()
		return nil, nil, err
	}

	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(&writer.Hook{
		Writer: logFile,
		LogLevels: []logrus.Level{
			logrus.WarnLevel,
			logrus.ErrorLevel,
			logrus.FatalLevel,
			logrus.PanicLevel,
		},
	})
	logger.AddHook(&writer.Hook{
		Writer: debugLogFile,
		LogLevels: []logrus.Level{
			logrus.TraceLevel,
			logrus.DebugLevel,
			logrus.InfoLevel,
		},
	})

	return logFile, debugLogFile, nil
}

// closeLogFiles closes the log files created by the client.
// closeLogFiles is meant to be used for defer calls.
func closeLogFiles(logFile, debugLogFile *os.File) {
	if err := logFile.Close(); err != nil {
		fmt.Printf("Failed to close log file: %s", err)
		return
	}

	if err := debugLogFile.Close(); err != nil {
		fmt.Printf("Failed to close debug log file: %s", err)
		return
	}
}

// printDoc "prints" the document state to the logs.
func printDoc(logger logrus.FieldLogger, debug bool, rep *replica.Replica) {
	if !debug {
		return
	}
	vector, _ := rep.StateVector()
	logger.WithFields(logrus.Fields{
		"content": rep.Content(),
		"vector":  fmt.Sprintf("%x", vector),
		"users":   len(rep.Users()),
	}).Debug("document state")
}
