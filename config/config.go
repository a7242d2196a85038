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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// a type with service configuration parameters
type serviceConfig struct {
	// name of the service (reported by the status endpoint)
	Name string `json:"name" yaml:"name"`
	// port on which the status service listens
	Port int `json:"port" yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	// structured log level ("debug", "info", "warn", "error")
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// a type with staging configuration parameters
type stagingConfig struct {
	// root directory of the staging area
	Directory string `yaml:"dir"`
	// names of the pre-stage, staged, and invalid subdirectories
	PreStageName string `yaml:"pre_stage_name"`
	StagedName   string `yaml:"staged_name"`
	InvalidName  string `yaml:"invalid_name"`
	// files, directories or globs from which sessions are assembled
	Inputs []string `yaml:"inputs"`
	// descend into subdirectories of input directories
	Recursive bool `yaml:"recursive"`
	// datatypes of the primary files that make up a session
	Datatypes []string `yaml:"datatypes"`
	// how files are materialized in the staging area ("copy", "hardlink",
	// "hardlink_or_copy", "symlink", "move")
	CopyMode string `yaml:"copy_mode"`
	// what to do when a different resource already exists ("if_newer",
	// "never", "always")
	Overwrite string `yaml:"overwrite"`
	// sessions whose newest file is younger than this are skipped (seconds)
	WaitPeriod int `yaml:"wait_period"`
	// interval between staging passes (seconds, 0 means a single pass)
	LoopInterval int `yaml:"loop_interval"`
	// remove source files once a session has been staged
	Delete bool `yaml:"delete"`
	// stop at the first error instead of accumulating errors
	RaiseErrors bool `yaml:"raise_errors"`
	// disambiguate sessions that resolve to the same visit
	AvoidClashes bool `yaml:"avoid_clashes"`
	// replace spaces in substituted template values with underscores
	SpacesToUnderscores bool `yaml:"spaces_to_underscores"`
	// path of the staging journal database (empty disables the journal)
	Journal string `yaml:"journal"`
}

// a single field specification as it appears in the configuration
type FieldSpec struct {
	// field name with an optional trailing index or slice, e.g. ImageType[-1]
	Field string `yaml:"field"`
	// datatype of resources for which the field applies (empty: any)
	Datatype string `yaml:"datatype"`
}

// a type holding the field specifications used to identify sessions
type fieldsConfig struct {
	Project  []FieldSpec `yaml:"project"`
	Subject  []FieldSpec `yaml:"subject"`
	Visit    []FieldSpec `yaml:"visit"`
	Session  []FieldSpec `yaml:"session"`
	ScanID   []FieldSpec `yaml:"scan_id"`
	ScanDesc []FieldSpec `yaml:"scan_desc"`
	Resource []FieldSpec `yaml:"resource"`
	// overrides the project ID resolved from metadata
	ProjectID string `yaml:"project_id"`
}

// a set of associated (non-primary) files located relative to a session
type AssociatedFiles struct {
	// datatype assigned to the associated files
	Datatype string `yaml:"datatype"`
	// glob with {field} placeholders locating the files
	Glob string `yaml:"glob"`
	// regular expression with "id" and "resource" named groups
	IdentityPattern string `yaml:"identity_pattern"`
}

// global config variables
var Service serviceConfig
var Staging stagingConfig
var Fields fieldsConfig
var Associated []AssociatedFiles

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service    serviceConfig     `yaml:"service"`
	Staging    stagingConfig     `yaml:"staging"`
	Fields     fieldsConfig      `yaml:"fields"`
	Associated []AssociatedFiles `yaml:"associated_files"`
}

// default field specifications (DICOM keywords)
func defaultFields() fieldsConfig {
	return fieldsConfig{
		Project:  []FieldSpec{{Field: "StudyID"}},
		Subject:  []FieldSpec{{Field: "PatientID"}},
		Visit:    []FieldSpec{{Field: "AccessionNumber"}},
		Session:  []FieldSpec{{Field: "StudyInstanceUID"}},
		ScanID:   []FieldSpec{{Field: "SeriesNumber"}},
		ScanDesc: []FieldSpec{{Field: "SeriesDescription"}},
		Resource: []FieldSpec{{Field: "ImageType[-1]"}},
	}
}

// This helper reads configuration data, returning an error indicating success
// or failure. All environment variables of the form ${ENV_VAR} are expanded.
func readConfig(bytes []byte) error {
	// Before we do anything else, expand any provided environment variables.
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Name = "imaging stager"
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Service.LogLevel = "info"
	conf.Staging.PreStageName = "PRE-STAGE"
	conf.Staging.StagedName = "STAGED"
	conf.Staging.InvalidName = "INVALID"
	conf.Staging.CopyMode = "hardlink_or_copy"
	conf.Staging.Overwrite = "if_newer"
	conf.Staging.Datatypes = []string{"medimage/dicom"}
	conf.Staging.WaitPeriod = 0
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		slog.Error(fmt.Sprintf("Couldn't parse configuration data: %s", err))
		return err
	}

	// fill in any field specifications that weren't given
	defaults := defaultFields()
	fillFieldSpecs(&conf.Fields.Project, defaults.Project)
	fillFieldSpecs(&conf.Fields.Subject, defaults.Subject)
	fillFieldSpecs(&conf.Fields.Visit, defaults.Visit)
	fillFieldSpecs(&conf.Fields.Session, defaults.Session)
	fillFieldSpecs(&conf.Fields.ScanID, defaults.ScanID)
	fillFieldSpecs(&conf.Fields.ScanDesc, defaults.ScanDesc)
	fillFieldSpecs(&conf.Fields.Resource, defaults.Resource)

	// copy the config data into place
	Service = conf.Service
	Staging = conf.Staging
	Fields = conf.Fields
	Associated = conf.Associated

	return err
}

func fillFieldSpecs(specs *[]FieldSpec, defaults []FieldSpec) {
	if len(*specs) == 0 {
		*specs = defaults
	}
}

// This helper validates the given service parameters, returning an
// error indicating success or failure.
func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid max_connections: %d (must be positive)",
			params.MaxConnections)
	}
	switch strings.ToLower(params.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("Invalid log_level: %s", params.LogLevel)
	}
	return nil
}

// This helper validates staging parameters.
func validateStagingParameters(params stagingConfig) error {
	if params.Directory == "" {
		return fmt.Errorf("No staging directory (staging.dir) was provided!")
	}
	names := map[string]string{
		"pre_stage_name": params.PreStageName,
		"staged_name":    params.StagedName,
		"invalid_name":   params.InvalidName,
	}
	seen := make(map[string]bool)
	for key, name := range names {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("Invalid %s: '%s'", key, name)
		}
		if seen[name] {
			return fmt.Errorf("Staging subdirectory names must be distinct (%s: '%s')", key, name)
		}
		seen[name] = true
	}
	switch params.CopyMode {
	case "copy", "hardlink", "hardlink_or_copy", "symlink", "move":
	default:
		return fmt.Errorf("Invalid copy_mode: %s", params.CopyMode)
	}
	switch params.Overwrite {
	case "if_newer", "never", "always":
	default:
		return fmt.Errorf("Invalid overwrite policy: %s", params.Overwrite)
	}
	if params.WaitPeriod < 0 {
		return fmt.Errorf("Invalid wait_period: %d (must be non-negative)", params.WaitPeriod)
	}
	if params.LoopInterval < 0 {
		return fmt.Errorf("Invalid loop_interval: %d (must be non-negative)", params.LoopInterval)
	}
	if params.LoopInterval > 0 && params.RaiseErrors {
		return fmt.Errorf("raise_errors cannot be used with a loop_interval")
	}
	if len(params.Datatypes) == 0 {
		return fmt.Errorf("No primary datatypes (staging.datatypes) were provided!")
	}
	return nil
}

// This helper validates the given configfile, returning an error that indicates
// success or failure.
func validateConfig() error {
	err := validateServiceParameters(Service)
	if err != nil {
		return err
	}
	err = validateStagingParameters(Staging)
	if err != nil {
		return err
	}
	for i, assoc := range Associated {
		if assoc.Glob == "" {
			return fmt.Errorf("Associated files entry %d has no glob", i)
		}
		if assoc.IdentityPattern == "" {
			return fmt.Errorf("Associated files entry %d has no identity_pattern", i)
		}
	}
	return nil
}

// Initializes the staging configuration using the given YAML byte data.
func Init(yamlData []byte) error {

	// Read the configuration from our YAML file.
	err := readConfig(yamlData)
	if err != nil {
		return err
	}

	// Validate the configuration.
	err = validateConfig()
	return err
}
