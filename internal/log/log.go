// Package log configures the process-wide logrus logger from flags, the way
// every proxy-discover binary does it at startup.
package log

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Version is set by the linker at build time.
var Version = "dev"

// ConfigureAndParse adds the flags common to all proxy-discover binaries.
// It calls flag.Parse(), so it must be called after all other flags have
// been registered.
func ConfigureAndParse() {
	logLevel := flag.String("log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	logFormat := flag.String("log-format", "plain", "log format, must be one of: plain, json")
	printVersion := flag.Bool("version", false, "print version and exit")

	flag.Parse()

	setLogLevel(*logLevel)
	setLogFormat(*logFormat)
	maybePrintVersionAndExit(*printVersion)
}

func setLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("invalid log-level: %s", logLevel)
	}
	log.SetLevel(level)
}

func setLogFormat(logFormat string) {
	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func maybePrintVersionAndExit(printVersion bool) {
	if printVersion {
		fmt.Println(Version)
		os.Exit(0)
	}
	log.Infof("running version %s", Version)
}
