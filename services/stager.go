// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/core"
	"github.com/xnat-ingest/ingest/journal"
	"github.com/xnat-ingest/ingest/sessions"
	"github.com/xnat-ingest/ingest/staging"
)

// This type implements the StatusService interface, reporting on the contents
// of a staging area and its journal.
type stagerService struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server
	// the stager whose staging area is reported
	Stager *staging.Stager
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *stagerService) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(core.Uptime()),
			Documentation: "/docs",
			StagingDir:    service.Stager.StagingDir,
		},
	}, nil
}

// returns the directory corresponding to the given area of the staging area
func (service *stagerService) areaDir(area string) (string, error) {
	switch area {
	case "", "staged":
		return service.Stager.StagedDir(), nil
	case "invalid":
		return service.Stager.InvalidDir(), nil
	case "pre-stage":
		return service.Stager.PreStageDir(), nil
	default:
		return "", huma.Error400BadRequest(fmt.Sprintf("Invalid area: %s", area))
	}
}

type SessionsOutput struct {
	Body []SessionSummaryResponse `doc:"the sessions in the requested area"`
}

// handler method for listing sessions in an area
func (service *stagerService) getSessions(ctx context.Context,
	input *struct {
		Area string `query:"area" enum:"staged,invalid,pre-stage" default:"staged" doc:"the area of the staging area to list"`
	}) (*SessionsOutput, error) {

	dir, err := service.areaDir(input.Area)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("Listing sessions in %s...", dir))
	output := &SessionsOutput{
		Body: make([]SessionSummaryResponse, 0),
	}
	relDirs, err := staging.ListStaged(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return output, nil
	} else if err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}
	for _, relDir := range relDirs {
		ids := strings.Split(relDir, "/")
		output.Body = append(output.Body, summary(input.Area, dir, ids[0], ids[1], ids[2]))
	}
	return output, nil
}

func summary(area, dir, project, subject, visit string) SessionSummaryResponse {
	if area == "" {
		area = "staged"
	}
	return SessionSummaryResponse{
		Path:      fmt.Sprintf("%s:%s:%s", project, subject, visit),
		Project:   project,
		Subject:   subject,
		Visit:     visit,
		Area:      area,
		Directory: filepath.Join(dir, project, subject, visit),
	}
}

type SessionOutput struct {
	Body SessionResponse `doc:"the requested session"`
}

// rejects identifiers that would escape the staging area
func validId(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// handler method for describing a single session
func (service *stagerService) getSession(ctx context.Context,
	input *struct {
		Project string `path:"project" example:"PROJECT" doc:"the session's project ID"`
		Subject string `path:"subject" example:"SUBJECT" doc:"the session's subject ID"`
		Visit   string `path:"visit" example:"VISIT" doc:"the session's visit ID"`
		Area    string `query:"area" enum:"staged,invalid,pre-stage" default:"staged" doc:"the area of the staging area holding the session"`
		Verify  bool   `query:"verify" doc:"recompute checksums and compare them with the resource manifests"`
	}) (*SessionOutput, error) {

	for _, id := range []string{input.Project, input.Subject, input.Visit} {
		if !validId(id) {
			return nil, huma.Error400BadRequest(fmt.Sprintf("Invalid session identifier: %s", id))
		}
	}
	areaDir, err := service.areaDir(input.Area)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(areaDir, input.Project, input.Subject, input.Visit)
	slog.Info(fmt.Sprintf("Querying session in %s...", dir))
	if _, err := os.Stat(dir); err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("Session %s:%s:%s not found",
			input.Project, input.Subject, input.Visit))
	}

	session, err := sessions.LoadSession(dir, sessions.LoadOptions{
		RequireManifest: true,
		CheckChecksums:  input.Verify,
	})
	if err != nil {
		var differing *sessions.ChecksumDifferingError
		var incomplete *sessions.ChecksumIncompleteError
		if errors.As(err, &differing) || errors.As(err, &incomplete) {
			return nil, huma.Error409Conflict(err.Error())
		}
		return nil, huma.Error500InternalServerError(err.Error())
	}

	output := &SessionOutput{
		Body: SessionResponse{
			SessionSummaryResponse: summary(input.Area, areaDir, input.Project, input.Subject, input.Visit),
			SessionId:              session.SessionID,
			Verified:               input.Verify,
			Scans:                  make([]ScanResponse, 0, len(session.Scans)),
		},
	}
	for _, scan := range session.Scans {
		scanResp := ScanResponse{Id: scan.ID, Type: scan.Type}
		for _, resource := range scan.SortedResources() {
			scanResp.Resources = append(scanResp.Resources, ResourceResponse{
				Name:       resource.Name,
				Datatype:   resource.Datatype(),
				NumFiles:   len(resource.Files),
				Checksums:  resource.Checksums,
				Associated: resource.Associated,
			})
		}
		output.Body.Scans = append(output.Body.Scans, scanResp)
	}
	return output, nil
}

type JournalOutput struct {
	Body []JournalRecordResponse `doc:"staging records in the requested time range"`
}

// parses an optional RFC 3339 time query parameter
func parseTime(name, value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return t, huma.Error400BadRequest(fmt.Sprintf("Invalid %s time: %s", name, value))
	}
	return t, nil
}

// handler method for querying the staging journal
func (service *stagerService) getJournal(ctx context.Context,
	input *struct {
		Start string `query:"start" example:"2024-05-01T00:00:00Z" doc:"start of the time range (RFC 3339, default: 24 hours ago)"`
		Stop  string `query:"stop" example:"2024-05-02T00:00:00Z" doc:"end of the time range (RFC 3339, default: now)"`
	}) (*JournalOutput, error) {

	now := time.Now()
	start, err := parseTime("start", input.Start, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	stop, err := parseTime("stop", input.Stop, now)
	if err != nil {
		return nil, err
	}
	if stop.Before(start) {
		return nil, huma.Error400BadRequest("The stop time precedes the start time")
	}

	slog.Info(fmt.Sprintf("Querying journal from %s to %s...",
		start.Format(time.RFC3339), stop.Format(time.RFC3339)))
	records, err := journal.Records(start, stop)
	if err != nil {
		var notOpen *journal.NotOpenError
		if errors.As(err, &notOpen) {
			return nil, huma.Error503ServiceUnavailable(err.Error())
		}
		return nil, huma.Error500InternalServerError(err.Error())
	}
	output := &JournalOutput{
		Body: make([]JournalRecordResponse, len(records)),
	}
	for i, record := range records {
		output.Body[i] = JournalRecordResponse{
			Id:           record.Id,
			RunId:        record.RunId,
			Session:      record.Session,
			Directory:    record.Directory,
			Time:         record.Time,
			Status:       record.Status,
			Message:      record.Message,
			NumResources: record.NumResources,
			NumFiles:     record.NumFiles,
		}
	}
	return output, nil
}

// constructs a status service for the staging area given our configuration
func NewStagerService() (StatusService, error) {
	stager, err := staging.NewStagerFromConfig()
	if err != nil {
		return nil, err
	}
	return newStagerService(stager), nil
}

func newStagerService(stager *staging.Stager) *stagerService {
	service := new(stagerService)
	service.Name = config.Service.Name
	service.Version = core.Version
	service.Port = -1
	service.Stager = stager

	// set up routing
	service.Router = mux.NewRouter()
	service.API = humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	huma.Get(service.API, "/", service.getRoot)

	// API v1
	huma.Get(service.API, "/api/v1/sessions", service.getSessions)
	huma.Get(service.API, "/api/v1/sessions/{project}/{subject}/{visit}", service.getSession)
	huma.Get(service.API, "/api/v1/journal", service.getJournal)

	return service
}

// starts the status service
func (service *stagerService) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *stagerService) Shutdown(ctx context.Context) error {
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *stagerService) Close() {
	if service.Server != nil {
		service.Server.Close()
	}
}
