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
	"time"

	"github.com/google/uuid"
)

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"imaging stager" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
	StagingDir    string `json:"staging_dir" doc:"The root of the staging area"`
}

// a summary of a session directory within one area of the staging area
type SessionSummaryResponse struct {
	Path      string `json:"path" example:"PROJECT:SUBJECT:VISIT" doc:"the session's project:subject:visit path"`
	Project   string `json:"project" doc:"the session's project ID"`
	Subject   string `json:"subject" doc:"the session's subject ID"`
	Visit     string `json:"visit" doc:"the session's visit ID"`
	Area      string `json:"area" example:"staged" doc:"the area of the staging area holding the session"`
	Directory string `json:"directory" doc:"the session's directory"`
}

// a resource of a staged session
type ResourceResponse struct {
	Name       string            `json:"name" example:"DICOM"`
	Datatype   string            `json:"datatype" example:"medimage/dicom"`
	NumFiles   int               `json:"num_files"`
	Checksums  map[string]string `json:"checksums" doc:"md5 checksums of the resource's files, by relative path"`
	Associated bool              `json:"associated" doc:"true if the resource was assembled from associated files"`
}

// a scan of a staged session
type ScanResponse struct {
	Id        string             `json:"id" example:"1"`
	Type      string             `json:"type" example:"PET SWB 8MIN"`
	Resources []ResourceResponse `json:"resources"`
}

// a detailed description of a staged session
type SessionResponse struct {
	SessionSummaryResponse
	SessionId string         `json:"session_id,omitempty" doc:"the session's identifier"`
	Verified  bool           `json:"verified" doc:"true if checksums were recomputed and matched the manifests"`
	Scans     []ScanResponse `json:"scans"`
}

// a journal record describing an attempt to stage a session
type JournalRecordResponse struct {
	Id           uuid.UUID `json:"id"`
	RunId        uuid.UUID `json:"run_id"`
	Session      string    `json:"session" example:"PROJECT:SUBJECT:VISIT"`
	Directory    string    `json:"directory,omitempty"`
	Time         time.Time `json:"time"`
	Status       string    `json:"status" example:"staged" enum:"staged,invalid,skipped,failed"`
	Message      string    `json:"message,omitempty"`
	NumResources int       `json:"num_resources"`
	NumFiles     int       `json:"num_files"`
}

// StatusService defines the interface for the staging status service.
type StatusService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}
