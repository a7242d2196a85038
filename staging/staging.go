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

// Package staging writes sessions into a staging area in two phases: each
// session is first saved beneath a pre-stage directory and only then renamed
// into the staged (or invalid) directory, so readers of those directories never
// see a partially written session.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/deliveryhero/pipeline/v2"
	"github.com/frictionlessdata/datapackage-go/datapackage"
	"github.com/google/uuid"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/endpoints"
	"github.com/xnat-ingest/ingest/frictionless"
	"github.com/xnat-ingest/ingest/journal"
	"github.com/xnat-ingest/ingest/sessions"
)

// A Stager saves sessions into a staging area with the layout
// <StagingDir>/{<PreStageName>|<StagedName>|<InvalidName>}/<project>/<subject>/<visit>.
type Stager struct {
	// root of the staging area
	StagingDir string
	// names of the staging area's subdirectories
	PreStageName string
	StagedName   string
	InvalidName  string
	// how files are materialized in the staging area
	CopyMode endpoints.CopyMode
	// what to do when a different resource already exists
	Overwrite sessions.OverwritePolicy
	// sessions whose newest file is younger than this are skipped
	WaitPeriod time.Duration
	// remove the source files of sessions once they are staged
	Delete bool
	// stop at the first error instead of accumulating errors
	RaiseErrors bool
	// record the outcome of each session in the (open) journal
	Journal bool
	// materializes files (default: local filesystem)
	Materializer endpoints.Materializer
	// returns the current time (default: time.Now)
	Now func() time.Time
}

// creates a stager from the staging configuration
func NewStagerFromConfig() (*Stager, error) {
	copyMode, err := endpoints.ParseCopyMode(config.Staging.CopyMode)
	if err != nil {
		return nil, err
	}
	overwrite, err := sessions.ParseOverwritePolicy(config.Staging.Overwrite)
	if err != nil {
		return nil, err
	}
	return &Stager{
		StagingDir:   config.Staging.Directory,
		PreStageName: config.Staging.PreStageName,
		StagedName:   config.Staging.StagedName,
		InvalidName:  config.Staging.InvalidName,
		CopyMode:     copyMode,
		Overwrite:    overwrite,
		WaitPeriod:   time.Duration(config.Staging.WaitPeriod) * time.Second,
		Delete:       config.Staging.Delete,
		RaiseErrors:  config.Staging.RaiseErrors,
		Journal:      config.Staging.Journal != "",
	}, nil
}

func (s *Stager) PreStageDir() string { return filepath.Join(s.StagingDir, s.PreStageName) }
func (s *Stager) StagedDir() string   { return filepath.Join(s.StagingDir, s.StagedName) }
func (s *Stager) InvalidDir() string  { return filepath.Join(s.StagingDir, s.InvalidName) }

func (s *Stager) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// the progress of one session through the staging pipeline
type attempt struct {
	session *sessions.Session
	// the session as saved in the pre-stage directory
	saved  *sessions.Session
	preDir string
	// an already promoted copy of the session and the area it's in
	promoted     string
	promotedArea string
	// true if the promoted copy is identical to the session
	unchanged  bool
	status     string
	dir        string
	manifest   *datapackage.Package
	err        error
	unlinkErr  error
	skipReason string
}

// returned by a stage to indicate that a session was deliberately skipped
type skipError struct {
	reason string
}

func (e skipError) Error() string {
	return e.reason
}

// Stages the given sessions one after another, returning the errors
// encountered for individual sessions. With RaiseErrors, staging stops at the
// first error, which is returned.
func (s *Stager) Stage(ctx context.Context, sessionsToStage []*sessions.Session) ([]string, error) {
	for _, dir := range []string{s.PreStageDir(), s.StagedDir(), s.InvalidDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &StagingIOError{Op: "create staging directory", Path: dir, Err: err}
		}
	}

	runId := uuid.New()
	slog.Info(fmt.Sprintf("Staging %d session(s) to '%s' (run %s)", len(sessionsToStage),
		s.StagingDir, runId.String()))

	parent := ctx
	ctx, abort := context.WithCancel(parent)
	defer abort()
	var raised error
	cancel := func(a *attempt, err error) {
		var skipErr *skipError
		switch {
		case a == nil:
		case a.err != nil || a.skipReason != "":
			// already handled
		case errors.As(err, &skipErr):
			a.status = journal.Skipped
			a.skipReason = skipErr.reason
		case errors.Is(err, context.Canceled) && raised != nil:
			// abandoned after an earlier error
		default:
			a.err = err
			if s.RaiseErrors && raised == nil {
				raised = err
				abort()
			}
		}
	}

	attempts := make([]*attempt, len(sessionsToStage))
	for i, session := range sessionsToStage {
		attempts[i] = &attempt{session: session}
	}
	stages := pipeline.Sequence(
		pipeline.NewProcessor(s.waitPeriodGate, cancel),
		pipeline.NewProcessor(s.preStage, cancel),
		pipeline.NewProcessor(s.promote, cancel),
	)
	for range pipeline.Process(ctx, stages, pipeline.Emit(attempts...)) {
	}

	var errs []string
	for _, a := range attempts {
		switch {
		case a.err != nil:
			if errors.Is(a.err, context.Canceled) && raised != nil {
				continue
			}
			a.status = journal.Failed
			msg := fmt.Sprintf("Skipping '%s' session due to error in staging: %s", a.session.Path(), a.err)
			slog.Error(msg)
			errs = append(errs, msg)
		case a.status == journal.Skipped:
		case a.status == "":
			continue
		}
		if a.unlinkErr != nil {
			msg := fmt.Sprintf("Staged session '%s' but couldn't delete its source files: %s",
				a.session.Path(), a.unlinkErr)
			slog.Error(msg)
			errs = append(errs, msg)
		}
		s.record(runId, a)
	}

	if raised != nil {
		return errs, raised
	}
	if err := parent.Err(); err != nil {
		return errs, err
	}
	slog.Info(fmt.Sprintf("Staging run %s completed with %d error(s)", runId.String(), len(errs)))
	return errs, nil
}

// skips sessions that have been modified within the wait period
func (s *Stager) waitPeriodGate(ctx context.Context, a *attempt) (*attempt, error) {
	if s.WaitPeriod <= 0 {
		return a, nil
	}
	lastModified, err := a.session.LastModified()
	if err != nil {
		return a, err
	}
	if age := s.now().Sub(lastModified); age < s.WaitPeriod {
		reason := fmt.Sprintf("Skipping staging of session '%s' as it was last modified at %s, "+
			"which is less than %s ago", a.session.Path(), lastModified.Format(time.RFC3339), s.WaitPeriod)
		slog.Info(reason)
		return a, &skipError{reason: reason}
	}
	return a, nil
}

// Saves the session beneath the pre-stage directory. A session already
// promoted is left in place if nothing in it would change; otherwise its
// resources are linked into the pre-stage directory first so that
// resource-level checks apply to them while the promoted copy stays visible.
func (s *Stager) preStage(ctx context.Context, a *attempt) (*attempt, error) {
	relDir := a.session.RelDir()
	a.preDir = filepath.Join(s.PreStageDir(), relDir)
	area, promoted, err := s.findPromoted(relDir)
	if err != nil {
		return a, &StagingIOError{Session: a.session.Path(), Op: "stat", Path: relDir, Err: err}
	}
	if promoted != "" {
		a.promotedArea, a.promoted = area, promoted
		if s.isUnchanged(a.session, promoted) {
			slog.Info(fmt.Sprintf("Session '%s' is already staged in '%s' and hasn't changed",
				a.session.Path(), promoted))
			a.unchanged = true
			return a, nil
		}
		if _, err := os.Stat(a.preDir); err == nil {
			slog.Warn(fmt.Sprintf("Removing orphaned pre-stage copy of session '%s' in favor of '%s'",
				a.session.Path(), promoted))
			if err := os.RemoveAll(a.preDir); err != nil {
				return a, &StagingIOError{Session: a.session.Path(), Op: "remove", Path: a.preDir, Err: err}
			}
		}
		slog.Debug(fmt.Sprintf("Linking resources of '%s' into pre-stage", promoted))
		if err := seedFromPromoted(promoted, a.preDir); err != nil {
			return a, classify(a.session.Path(), "link", promoted, err)
		}
	}

	saved, dir, err := a.session.Save(s.PreStageDir(), sessions.SaveOptions{
		CopyMode:     s.CopyMode,
		Overwrite:    s.Overwrite,
		Materializer: s.Materializer,
	})
	if err != nil {
		return a, classify(a.session.Path(), "pre-stage", a.preDir, err)
	}
	a.saved, a.preDir = saved, dir
	return a, nil
}

// Writes the session's data package and moves it into the staged or invalid
// directory, exchanging it with any promoted copy it replaces.
func (s *Stager) promote(ctx context.Context, a *attempt) (*attempt, error) {
	area, status := s.areaFor(a.session)
	if a.unchanged {
		manifest, err := frictionless.Load(a.promoted)
		if err != nil {
			return a, classify(a.session.Path(), "describe", a.promoted, err)
		}
		a.status, a.dir, a.manifest = status, a.promoted, manifest
		if s.Delete {
			a.unlinkErr = a.session.Unlink()
		}
		return a, nil
	}

	pkg, err := frictionless.SessionPackage(a.saved, a.preDir)
	if err != nil {
		return a, classify(a.session.Path(), "describe", a.preDir, err)
	}
	a.manifest, err = pkg.Save(a.preDir)
	if err != nil {
		return a, classify(a.session.Path(), "describe", a.preDir, err)
	}

	target := filepath.Join(area, a.session.RelDir())
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return a, &StagingIOError{Session: a.session.Path(), Op: "create", Path: target, Err: err}
	}
	if _, err := os.Stat(target); err == nil {
		if err := exchange(a.preDir, target); err != nil {
			return a, &StagingIOError{Session: a.session.Path(), Op: "exchange", Path: target, Err: err}
		}
		// the pre-stage directory now holds the replaced copy
		if err := os.RemoveAll(a.preDir); err != nil {
			slog.Warn(fmt.Sprintf("Couldn't remove replaced copy of session '%s': %s", a.session.Path(), err))
		}
	} else if err := os.Rename(a.preDir, target); err != nil {
		return a, &StagingIOError{Session: a.session.Path(), Op: "rename", Path: a.preDir, Err: err}
	}
	removeEmptyParents(filepath.Dir(a.preDir), s.PreStageDir())
	if a.promoted != "" && a.promoted != target {
		// the session moved between the staged and invalid directories
		if err := os.RemoveAll(a.promoted); err != nil {
			slog.Warn(fmt.Sprintf("Couldn't remove '%s': %s", a.promoted, err))
		}
		removeEmptyParents(filepath.Dir(a.promoted), a.promotedArea)
	}
	slog.Info(fmt.Sprintf("Successfully staged session '%s' to '%s'", a.session.Path(), target))
	a.status, a.dir = status, target

	if s.Delete {
		a.unlinkErr = a.session.Unlink()
	}
	return a, nil
}

// removes empty directories from dir up to (but not including) root
func removeEmptyParents(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// wraps filesystem errors in StagingIOErrors
func classify(session, op, path string, err error) error {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var syscallErr *os.SyscallError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &syscallErr) {
		return &StagingIOError{Session: session, Op: op, Path: path, Err: err}
	}
	return err
}

// records the outcome of an attempt in the journal
func (s *Stager) record(runId uuid.UUID, a *attempt) {
	if !s.Journal {
		return
	}
	record := journal.Record{
		Id:        uuid.New(),
		RunId:     runId,
		Session:   a.session.Path(),
		Directory: a.dir,
		Time:      s.now(),
		Status:    a.status,
		Message:   a.skipReason,
		Manifest:  a.manifest,
	}
	if a.err != nil {
		record.Message = a.err.Error()
	}
	for resource := range a.session.SelectResources() {
		record.NumResources++
		record.NumFiles += len(resource.Files)
	}
	if err := journal.RecordStaging(record); err != nil {
		slog.Warn(fmt.Sprintf("Couldn't record staging of session '%s': %s", a.session.Path(), err))
	}
}

// Groups the files found with the given options into sessions, attaches their
// associated files, and stages them. Grouping and association errors are
// accumulated with staging errors.
func (s *Stager) StagePaths(ctx context.Context, opts sessions.FromPathsOptions,
	associated []config.AssociatedFiles, assocOpts sessions.AssociateOptions) ([]string, error) {
	var errs []string
	found, err := sessions.FromPaths(opts)
	if err != nil {
		var groupingErrs *sessions.GroupingErrors
		if !errors.As(err, &groupingErrs) || s.RaiseErrors {
			return nil, err
		}
		for _, e := range groupingErrs.Errors {
			msg := fmt.Sprintf("Couldn't group files into a session: %s", e)
			slog.Error(msg)
			errs = append(errs, msg)
		}
	}

	var ready []*sessions.Session
	for _, session := range found {
		if err := session.AssociateFiles(associated, assocOpts); err != nil {
			if s.RaiseErrors {
				return errs, err
			}
			msg := fmt.Sprintf("Skipping '%s' session due to error associating files: %s",
				session.Path(), err)
			slog.Error(msg)
			errs = append(errs, msg)
			continue
		}
		ready = append(ready, session)
	}

	stageErrs, err := s.Stage(ctx, ready)
	return append(errs, stageErrs...), err
}

// Repeatedly calls the given function, sleeping for what remains of the
// interval after each call, until the context is canceled. Looping can't be
// combined with RaiseErrors.
func (s *Stager) Loop(ctx context.Context, interval time.Duration,
	pass func(context.Context) ([]string, error)) error {
	if s.RaiseErrors {
		return &LoopWithRaiseErrorsError{}
	}
	for {
		start := time.Now()
		errs, err := pass(ctx)
		if err != nil {
			slog.Error(fmt.Sprintf("Staging pass failed: %s", err))
		} else {
			slog.Info(fmt.Sprintf("Staging pass completed with %d error(s)", len(errs)))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := max(interval-time.Since(start), 0)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// returns the sorted, slash-separated <project>/<subject>/<visit> paths of
// the sessions in the given staging subdirectory
func ListStaged(dir string) ([]string, error) {
	var found []string
	projects, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		subjects, err := os.ReadDir(filepath.Join(dir, project.Name()))
		if err != nil {
			return nil, err
		}
		for _, subject := range subjects {
			if !subject.IsDir() {
				continue
			}
			visits, err := os.ReadDir(filepath.Join(dir, project.Name(), subject.Name()))
			if err != nil {
				return nil, err
			}
			for _, visit := range visits {
				if visit.IsDir() {
					found = append(found, project.Name()+"/"+subject.Name()+"/"+visit.Name())
				}
			}
		}
	}
	sort.Strings(found)
	return found, nil
}
