// Command nesta runs the application server or sends a control command
// to a running one.
//
// Usage:
//
//	nesta -start [-f conf]
//	nesta -stop [-f conf]
//	nesta -status [-f conf]
//	nesta -trace {on|off} [-f conf]
//	nesta -version
//
// The configuration file defaults to ./conf/nesta.conf. Control
// commands read it only for the port number, then post the command to
// the server on this host and print its response.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/app"
	"github.com/nesta-server/nesta/internal/config"
	"github.com/nesta-server/nesta/internal/zone"
	"github.com/nesta-server/nesta/pkg/logger"
)

const (
	defaultConfig  = "./conf/nesta.conf"
	commandTimeout = 10 * time.Second
)

func main() {
	var (
		start    = flag.Bool("start", false, "start the server")
		stop     = flag.Bool("stop", false, "stop a running server")
		status   = flag.Bool("status", false, "show the worker status of a running server")
		trace    = flag.String("trace", "", "set trace mode of a running server: on or off")
		version  = flag.Bool("version", false, "print the version and exit")
		confPath = flag.String("f", defaultConfig, "configuration file")
	)
	flag.Parse()

	switch {
	case *version:
		fmt.Println(api.ServerVersion)
	case *stop:
		clientCommand(*confPath, "stop")
	case *status:
		clientCommand(*confPath, "status")
	case *trace != "":
		// Anything that is not "off" turns tracing on.
		if strings.EqualFold(*trace, "off") {
			clientCommand(*confPath, "trace_off")
		} else {
			clientCommand(*confPath, "trace_on")
		}
	case *start:
		startServer(*confPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func startServer(path string) {
	reg := zone.NewRegistry()
	registerSamples(reg)

	cfg, err := config.Load(path, reg)
	if err != nil {
		logger.Fatal("%v", err)
	}
	a, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("%v", err)
	}
	if err := a.Run(); err != nil {
		logger.Fatal("%v", err)
	}
}

// clientCommand posts cmd to the server on this host and prints its
// response, or "not running." when nothing answers.
func clientCommand(path, cmd string) {
	cfg, err := config.Load(path, nil)
	if err != nil {
		logger.Fatal("%v", err)
	}
	body, err := postCommand(cfg.HTTP.PortNo, cmd)
	if err != nil {
		fmt.Println("not running.")
		return
	}
	fmt.Printf("%s\n", body)
}

func postCommand(port int, cmd string) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/?cmd=%s", port, cmd)
	client := &http.Client{Timeout: commandTimeout}
	resp, err := client.Post(url, "text/plain", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
