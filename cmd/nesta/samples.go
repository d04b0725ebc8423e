package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/zone"
	"github.com/nesta-server/nesta/pkg/logger"
)

// registerSamples registers the built-in demo handlers under the lib
// name "samples", so a stock configuration can bind them:
//
//	http.appzone = demo
//	demo.api = hello,hello,samples
//	demo.api = session,session,samples
//	demo.init_api = startup,samples
//	demo.term_api = cleanup,samples
//
// An embedding program replaces this with its own registrations.
func registerSamples(reg *zone.Registry) {
	reg.RegisterHandler("hello", "samples", helloHandler)
	reg.RegisterHandler("session", "samples", sessionHandler)
	reg.RegisterInit("startup", "samples", samplesInit)
	reg.RegisterTerm("cleanup", "samples", samplesTerm)
}

// helloHandler answers with a fixed greeting, overridable through the
// samples.greeting user parameter.
func helloHandler(req *api.Request, resp *api.Response, params api.Params) int {
	greeting := params.Get("samples.greeting")
	if greeting == "" {
		greeting = "hello, nesta!"
	}
	body := greeting + "\n"

	hdr := api.NewHeader()
	hdr.SetContentType("text/plain")
	hdr.SetContentLength(len(body))
	if err := resp.SendHeader(hdr); err != nil {
		return http.StatusInternalServerError
	}
	if _, err := resp.WriteString(body); err != nil {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// sessionHandler counts the visits of one client session.
func sessionHandler(req *api.Request, resp *api.Response, params api.Params) int {
	if req.Sessions == nil {
		logger.Error("samples: session handler bound to a zone without sessions")
		return http.StatusServiceUnavailable
	}
	sess := req.Session
	if sess == nil {
		var err error
		sess, err = req.Sessions.Create()
		if err != nil {
			return http.StatusServiceUnavailable
		}
	}
	visits, _ := strconv.Atoi(sess.GetString("visits"))
	visits++
	sess.PutString("visits", strconv.Itoa(visits))

	body := fmt.Sprintf("visit %d of session %s\n", visits, sess.ID())
	hdr := api.NewHeader()
	hdr.SetContentType("text/plain")
	hdr.SetContentLength(len(body))
	hdr.SetSession(sess)
	if err := resp.SendHeader(hdr); err != nil {
		return http.StatusInternalServerError
	}
	if _, err := resp.WriteString(body); err != nil {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func samplesInit(params api.Params) error {
	logger.Info("samples ready.")
	return nil
}

func samplesTerm(params api.Params) {
	logger.Info("samples closed.")
}
