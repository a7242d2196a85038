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

package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frictionlessdata/datapackage-go/datapackage"
	"github.com/frictionlessdata/datapackage-go/validator"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/xnat-ingest/ingest/config"
)

// This is the staging journal, which logs the outcome of every attempt to
// stage a session. The journal is a table of staging records (one per
// attempt).

// outcomes of an attempt to stage a session
const (
	Staged  = "staged"
	Invalid = "invalid"
	Skipped = "skipped"
	Failed  = "failed"
)

// a record storing all information relevant to an attempt to stage a session
type Record struct {
	// UUID associated with the attempt
	Id uuid.UUID `json:"id"`
	// UUID of the staging pass during which the attempt was made
	RunId uuid.UUID `json:"run_id"`
	// fully qualified path of the session (project:subject:visit)
	Session string `json:"session"`
	// directory the session was promoted to (empty unless staged or invalid)
	Directory string `json:"directory,omitempty"`
	// time at which the attempt completed
	Time time.Time `json:"time"`
	// outcome of the attempt ("staged", "invalid", "skipped", or "failed")
	Status string `json:"status"`
	// reason for skipping or failing
	Message string `json:"message,omitempty"`
	// number of resources and files in the session
	NumResources int `json:"num_resources"`
	NumFiles     int `json:"num_files"`
	// data package listing the files of a promoted session (stored separate
	// from record)
	Manifest *datapackage.Package `json:"-"`
}

// names of buckets
var (
	recordsBucket   = []byte("records")
	idsBucket       = []byte("ids")
	manifestsBucket = []byte("manifests")
)

// opens the staging journal at the path given in the configuration
func Init() error {
	if IsOpen() {
		return nil
	}
	if config.Staging.Journal == "" {
		return &CantOpenError{Message: "no journal path was configured"}
	}
	started := make(chan error)
	go journalProcess(config.Staging.Journal, started)
	return <-started
}

// closes the staging journal (if it's been opened)
func Finalize() error {
	if IsOpen() {
		channels_.Input.Shutdown <- struct{}{}
		err := <-channels_.Output.Error
		closeChannels()
		return err
	}
	return nil
}

// returns true if the journal is open for writing, false if not
func IsOpen() bool {
	if channels_.Open { // has Init() been called?
		channels_.Input.CheckIfOpen <- struct{}{}
		select {
		case isOpen := <-channels_.Output.IsOpen:
			return isOpen
		case <-time.After(1 * time.Second): // after a second, we assume the goroutine has crashed
			closeChannels()
			return false
		}
	}
	return false
}

// records an attempt to stage a session
func RecordStaging(record Record) error {
	switch record.Status {
	case Staged, Invalid, Skipped, Failed:
		// pass-through (see below)
	default:
		return &NewRecordError{
			Id:      record.Id,
			Message: fmt.Sprintf("Invalid status: %s", record.Status),
		}
	}
	if record.Id == uuid.Nil {
		record.Id = uuid.New()
	}
	if record.Time.IsZero() {
		record.Time = time.Now()
	}

	if !IsOpen() {
		return &NotOpenError{}
	}

	channels_.Input.CreateRecord <- record
	return <-channels_.Output.Error
}

// retrieves the record with the given ID
func StagingRecord(id uuid.UUID) (Record, error) {
	if !IsOpen() {
		return Record{}, &NotOpenError{}
	}
	channels_.Input.FetchRecord <- id
	select {
	case records := <-channels_.Output.Records:
		return records[0], nil
	case err := <-channels_.Output.Error:
		return Record{}, err
	}
}

// retrieves records for attempts that completed within the time range with
// the given (inclusive) bounds
func Records(start, stop time.Time) ([]Record, error) {
	if !IsOpen() {
		return nil, &NotOpenError{}
	}
	channels_.Input.FetchRecords <- TimeRange{Start: start, Stop: stop}
	select {
	case records := <-channels_.Output.Records:
		return records, nil
	case err := <-channels_.Output.Error:
		return nil, err
	}
}

//-----------
// Internals
//-----------

// The journal gets its own goroutine, which owns the database. Here we define
// "input" channels (main process -> goroutine) and "output" channels
// (goroutine -> main process) for passing data back and forth

type TimeRange struct {
	Start, Stop time.Time
}

var channels_ struct {
	Open  bool // true if channels are open, false if not
	Input struct {
		CreateRecord chan Record    // for creating new records
		CheckIfOpen  chan struct{}  // for checking to see whether the database is open
		FetchRecord  chan uuid.UUID // for fetching a record by its ID
		FetchRecords chan TimeRange // for fetching records within a time range
		Shutdown     chan struct{}  // for shutting down the database
	}

	Output struct {
		Records chan []Record // for returning records
		Error   chan error    // for returning errors
		IsOpen  chan bool     // for answering queries about whether the database is open
	}
}

func journalProcess(dbPath string, started chan<- error) {

	// open the database, creating the schema if necessary
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		started <- &CantOpenError{Message: err.Error()}
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range [][]byte{recordsBucket, idsBucket, manifestsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		started <- &CantOpenError{Message: err.Error()}
		return
	}

	openChannels()
	started <- nil

	// handle requests
	running := true
	for running {
		select {

		case <-channels_.Input.CheckIfOpen:
			channels_.Output.IsOpen <- true // always true if this goroutine is running!

		case record := <-channels_.Input.CreateRecord:
			channels_.Output.Error <- createRecord(db, record)

		case id := <-channels_.Input.FetchRecord:
			record, err := fetchRecord(db, id)
			if err != nil {
				channels_.Output.Error <- err
			} else {
				channels_.Output.Records <- []Record{record}
			}

		case timeRange := <-channels_.Input.FetchRecords:
			records, err := fetchRecords(db, timeRange.Start, timeRange.Stop)
			if err != nil {
				channels_.Output.Error <- err
			} else {
				channels_.Output.Records <- records
			}

		case <-channels_.Input.Shutdown:
			err := db.Close()
			if err != nil {
				err = &CantCloseError{Message: err.Error()}
			}
			channels_.Output.Error <- err
			running = false
		}
	}
}

func openChannels() {
	channels_.Open = true
	channels_.Input.CreateRecord = make(chan Record)
	channels_.Input.CheckIfOpen = make(chan struct{})
	channels_.Input.FetchRecord = make(chan uuid.UUID)
	channels_.Input.FetchRecords = make(chan TimeRange)
	channels_.Input.Shutdown = make(chan struct{})
	channels_.Output.Records = make(chan []Record)
	channels_.Output.Error = make(chan error)
	channels_.Output.IsOpen = make(chan bool)
}

func closeChannels() {
	channels_.Open = false
	close(channels_.Input.CreateRecord)
	close(channels_.Input.CheckIfOpen)
	close(channels_.Input.FetchRecord)
	close(channels_.Input.FetchRecords)
	close(channels_.Input.Shutdown)
	close(channels_.Output.Records)
	close(channels_.Output.Error)
	close(channels_.Output.IsOpen)
}

// fixed-width UTC timestamps sort lexically in time order
const keyTimeFormat = "2006-01-02T15:04:05.000000000Z"

func timeKey(t time.Time) []byte {
	return []byte(t.UTC().Format(keyTimeFormat))
}

// records are keyed by completion time, disambiguated by ID
func recordKey(record Record) []byte {
	return append(timeKey(record.Time), []byte("/"+record.Id.String())...)
}

func createRecord(db *bolt.DB, record Record) error {
	return db.Update(func(tx *bolt.Tx) error {
		jsonBytes, err := json.Marshal(&record)
		if err != nil {
			return &NewRecordError{Id: record.Id, Message: err.Error()}
		}
		key := recordKey(record)
		if err := tx.Bucket(recordsBucket).Put(key, jsonBytes); err != nil {
			return err
		}
		if err := tx.Bucket(idsBucket).Put([]byte(record.Id.String()), key); err != nil {
			return err
		}

		// store the session's manifest (indexed by UUID)
		if record.Manifest != nil {
			jsonManifest, err := json.Marshal(record.Manifest.Descriptor())
			if err != nil {
				return &NewRecordError{Id: record.Id, Message: err.Error()}
			}
			return tx.Bucket(manifestsBucket).Put([]byte(record.Id.String()), jsonManifest)
		}
		return nil
	})
}

// attaches a record's manifest, if it has one
func loadManifest(tx *bolt.Tx, record *Record) error {
	m := tx.Bucket(manifestsBucket).Get([]byte(record.Id.String()))
	if m == nil {
		return nil
	}
	var err error
	record.Manifest, err = datapackage.FromString(string(m), "datapackage.json", validator.InMemoryLoader())
	if err != nil {
		return &InvalidRecordError{Id: record.Id, Message: err.Error()}
	}
	return nil
}

func fetchRecord(db *bolt.DB, id uuid.UUID) (Record, error) {
	var record Record
	err := db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(idsBucket).Get([]byte(id.String()))
		if key == nil {
			return &RecordNotFoundError{Id: id}
		}
		v := tx.Bucket(recordsBucket).Get(key)
		if v == nil {
			return &InvalidRecordError{Id: id, Message: "record is indexed but missing"}
		}
		if err := json.Unmarshal(v, &record); err != nil {
			return &InvalidRecordError{Id: id, Message: err.Error()}
		}
		return loadManifest(tx, &record)
	})
	return record, err
}

func fetchRecords(db *bolt.DB, start, stop time.Time) ([]Record, error) {
	records := make([]Record, 0)
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()

		startKey := timeKey(start)
		// keys at the stop time itself carry a "/<id>" suffix
		stopKey := append(timeKey(stop), 0xff)

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, stopKey) <= 0; k, v = c.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if err := loadManifest(tx, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}
