// Package persist supplies the small atomic-persistence and logging helpers
// used throughout this module for ambient state: settings files, write-ahead
// records, and structured logging.
//
// The shape of this package (Metadata, SaveJSON/LoadJSON, Logger) is
// reconstructed from the contract manager's usage of its own persist
// package (persist.SaveFileSync, persist.LoadFile, persist.NewFileLogger);
// the upstream source was not available to copy directly, only its call
// sites and its tests, so the behavior here is inferred from those: a
// checksummed JSON envelope written to a temp file and atomically renamed
// into place.
package persist

import (
	"crypto/sha256"
	"encoding/json"
	"io/ioutil"
	"os"
	"strings"

	"gitlab.com/NebulousLabs/errors"
)

// tempSuffix is appended to the destination filename while a save is in
// flight; LoadJSON refuses to load a path carrying this suffix directly,
// since a temp file may be a torn write in progress.
const tempSuffix = "_temp"

// ErrBadFilenameSuffix is returned by LoadJSON when asked to load a path
// that carries the temp-file suffix.
var ErrBadFilenameSuffix = errors.New("cannot load a file with the temporary-file suffix")

// errChecksumMismatch is returned internally when a loaded envelope's stored
// checksum does not match the recomputed checksum of its payload.
var errChecksumMismatch = errors.New("persisted file failed its checksum")

// Metadata is the header written alongside every persisted JSON object, used
// to detect loading a file with the wrong type or an incompatible version.
type Metadata struct {
	Header  string
	Version string
}

// envelope is the on-disk wrapper around a persisted object.
type envelope struct {
	Header   string
	Version  string
	Checksum [sha256.Size]byte
	Data     json.RawMessage
}

// SaveJSON saves a JSON-marshalable object to disk, tagged with the given
// metadata, under a checksum that LoadJSON verifies on the way back in.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	data, err := json.MarshalIndent(object, "", "\t")
	if err != nil {
		return errors.AddContext(err, "unable to marshal object for persistence")
	}
	env := envelope{
		Header:   meta.Header,
		Version:  meta.Version,
		Checksum: sha256.Sum256(data),
		Data:     data,
	}
	envBytes, err := json.MarshalIndent(env, "", "\t")
	if err != nil {
		return errors.AddContext(err, "unable to marshal persistence envelope")
	}

	tmpFilename := filename + tempSuffix
	if err := ioutil.WriteFile(tmpFilename, envBytes, 0600); err != nil {
		return errors.AddContext(err, "unable to write temporary persistence file")
	}
	if f, err := os.OpenFile(tmpFilename, os.O_RDWR, 0600); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmpFilename, filename); err != nil {
		return errors.AddContext(err, "unable to rename temporary persistence file into place")
	}
	return nil
}

// SaveFileSync is an alias for SaveJSON kept for parity with the teacher's
// naming (contractmanager calls persist.SaveFileSync for the settings file);
// the distinction the teacher draws between "SaveJSON" and "SaveFileSync" is
// that the latter is always followed by an explicit directory fsync by the
// caller. Nothing else in this module calls it.
func SaveFileSync(meta Metadata, object interface{}, filename string) error {
	return SaveJSON(meta, object, filename)
}

// LoadJSON loads a JSON object previously saved with SaveJSON, verifying its
// metadata header, version, and checksum.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	if strings.HasSuffix(filename, tempSuffix) {
		return ErrBadFilenameSuffix
	}

	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.AddContext(err, "unable to decode persistence envelope")
	}
	if env.Header != meta.Header {
		return errors.New("persisted file has the wrong header, expected " + meta.Header + " got " + env.Header)
	}
	if env.Version != meta.Version {
		return errors.New("persisted file has the wrong version, expected " + meta.Version + " got " + env.Version)
	}
	if sha256.Sum256(env.Data) != env.Checksum {
		return errChecksumMismatch
	}
	if object == nil {
		return nil
	}
	return json.Unmarshal(env.Data, object)
}

// LoadFile is an alias for LoadJSON kept for parity with the teacher's
// dependency interface (contractmanager.dependencies.loadFile).
func LoadFile(meta Metadata, object interface{}, filename string) error {
	return LoadJSON(meta, object, filename)
}
