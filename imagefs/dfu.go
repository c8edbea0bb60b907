// Copyright (c) Innofi
// Licensed under the MIT license

package imagefs

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/innofi/packfs"
	"github.com/innofi/packfs/process"
)

// DFUStreamBufSize is the default stream buffer for firmware updates.
const DFUStreamBufSize = 4 * process.MinStreamSize

var (
	// ErrImageNotFound means the named image entry never appeared.
	ErrImageNotFound = errors.New("imagefs: firmware image not in archive")

	// ErrIncomplete means the stream ended before the archive did.
	ErrIncomplete = errors.New("imagefs: update stream not completely processed")
)

// A DFU performs device firmware updates against one update partition.
// Between start and terminal Complete/Cancel it holds at most one OTA
// handle, and always balances Begin with End.
type DFU struct {
	Updater Updater
	Dir     string
	Naming  Naming
	Log     *slog.Logger
}

func (d *DFU) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// dfuSink receives the walked archive and pipes the wanted image into
// the OTA handle.
type dfuSink struct {
	updater   Updater
	log       *slog.Logger
	path      string
	partition Partition
	handle    UpdateHandle
	foundImg  bool
	err       error
}

func (s *dfuSink) callbacks() process.Callbacks {
	return process.Callbacks{
		OnError: func(section process.Section, err error) {
			s.log.Error("critical error during DFU", "section", int(section), "err", err)
			if s.err == nil {
				s.err = err
			}
		},
		OnBodyHash: func(reported, computed []byte, matches bool) bool {
			if !matches {
				s.log.Warn("verification hash failure, corrupt DFU archive?")
			}
			return matches
		},
		OnEntryStart: func(e *packfs.Entry, size uint32) bool {
			if s.foundImg || !e.IsImg() || e.Path() != s.path {
				return false
			}
			s.foundImg = true
			h, err := s.updater.Begin(s.partition, int64(size))
			if err != nil {
				s.err = err
				return false
			}
			s.handle = h
			return true
		},
		OnEntryData: func(e *packfs.Entry, data []byte, offset uint32) {
			if s.err != nil || s.handle == nil {
				return
			}
			s.err = s.handle.Write(data)
		},
		OnImgEntryEnd: func(e *packfs.Entry, reported, computed []byte, matches bool) bool {
			if s.handle != nil {
				if err := s.handle.End(); err != nil && s.err == nil {
					s.err = err
				}
				s.handle = nil
			}
			if !matches {
				s.log.Error("verification hash failure, corrupt image in DFU archive?")
				if s.err == nil {
					s.err = packfs.ErrHashMismatch
				}
			}
			return true
		},
	}
}

// abort closes any OTA handle left open by an early termination.
func (s *dfuSink) abort() {
	if s.handle != nil {
		s.handle.End()
		s.handle = nil
	}
}

// FileDFU updates from an archive already on disk: one streaming pass
// verifies the body hash and the named image's hash while piping the
// image into the update partition. With ensureMountable the archive is
// renamed to the mountable convention before the boot swap.
func (d *DFU) FileDFU(path, imageSubpath string, ensureMountable bool) error {
	naming := d.Naming.orDefault()
	log := d.log()
	if len(imageSubpath) >= packfs.MaxEntryPath {
		return packfs.ErrInvalidArgument
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	partition, err := d.Updater.NextUpdatePartition()
	if err != nil {
		log.Warn("unable to perform DFU, no update partition", "err", err)
		return err
	}
	log.Info("performing DFU", "path", path, "partition", partition.Label())

	sink := &dfuSink{updater: d.Updater, log: log, path: imageSubpath, partition: partition}
	status := process.FromFile(path, sink.callbacks())
	sink.abort()
	switch {
	case status != process.EOF:
		if sink.err != nil {
			return sink.err
		}
		if status == process.HashMismatch {
			return packfs.ErrHashMismatch
		}
		return packfs.ErrIO
	case sink.err != nil:
		return sink.err
	case !sink.foundImg:
		log.Error("firmware subpath not found in archive", "subpath", imageSubpath)
		return ErrImageNotFound
	}

	app, err := d.Updater.Describe(partition)
	if err != nil {
		log.Error("unable to query newly written app, corrupted?", "err", err)
		return err
	}
	log.Info("wrote app", "project", app.Project, "version", app.Version)

	if ensureMountable {
		good := filepath.Join(d.Dir, naming.ImageName(app.Project, app.Version))
		if err := publish(good, path, log); err != nil {
			return err
		}
	}

	if err := d.Updater.SetBoot(partition); err != nil {
		log.Error("failed to make update partition bootable", "err", err)
		return err
	}
	log.Info("firmware DFU complete, ok to reboot")
	return nil
}

// A StreamSession is an in-flight stream DFU: bytes pushed in are walked
// by the processor, mirrored to a scratch archive (optionally with the
// image section stripped) and the image piped to the OTA handle. It ends
// with exactly one of Complete or Cancel.
type StreamSession struct {
	p           *process.Processor
	sink        *dfuSink
	d           *DFU
	naming      Naming
	scratch     *os.File
	scratchPath string
	reachedEOF  bool
	stripImage  bool
}

// StreamDFU starts a stream update for the named image entry.
func (d *DFU) StreamDFU(imageSubpath string, stripImage bool) (*StreamSession, error) {
	naming := d.Naming.orDefault()
	log := d.log()
	if len(imageSubpath) >= packfs.MaxEntryPath {
		return nil, packfs.ErrInvalidArgument
	}

	partition, err := d.Updater.NextUpdatePartition()
	if err != nil {
		log.Warn("unable to perform DFU, no update partition", "err", err)
		return nil, err
	}

	s := &StreamSession{
		d:           d,
		naming:      naming,
		stripImage:  stripImage,
		scratchPath: filepath.Join(d.Dir, naming.ScratchName()),
		sink:        &dfuSink{updater: d.Updater, log: log, path: imageSubpath, partition: partition},
	}

	if _, err := os.Stat(s.scratchPath); err == nil {
		if err := os.Remove(s.scratchPath); err != nil {
			log.Error("failed to initialize scratch file", "path", s.scratchPath, "err", err)
			return nil, err
		}
	}
	s.scratch, err = os.OpenFile(s.scratchPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		log.Error("failed to open scratch file", "path", s.scratchPath, "err", err)
		return nil, err
	}

	cbs := s.sink.callbacks()
	cbs.OnEOF = func() bool {
		s.reachedEOF = true
		return true
	}
	s.p, err = process.NewStreamIO(DFUStreamBufSize, cbs, s.mirror)
	if err != nil {
		s.scratch.Close()
		os.Remove(s.scratchPath)
		return nil, err
	}

	log.Info("DFU stream started", "partition", partition.Label())
	return s, nil
}

// mirror copies walked bytes to the scratch archive, suppressing the
// image section when the stored copy is to be stripped.
func (s *StreamSession) mirror(p *process.Processor, data []byte) process.Status {
	if s.stripImage && p.Section() == process.SectionImgEntry {
		return process.Ok
	}
	if _, err := s.scratch.Write(data); err != nil {
		s.sink.log.Error("DFU scratch write error", "err", err)
		return process.Fail
	}
	return process.Ok
}

// Load pushes archive bytes, returning how many were accepted.
func (s *StreamSession) Load(data []byte) int { return s.p.Load(data) }

// LoadAndProcess pushes archive bytes and drives the walk.
func (s *StreamSession) LoadAndProcess(data []byte) process.Status {
	return s.p.LoadAndProcess(data)
}

// Process drives the walk over buffered bytes.
func (s *StreamSession) Process() process.Status { return s.p.Process() }

// Complete flushes the stream, verifies the walk finished cleanly, then
// publishes the scratch archive under its mountable name and swaps the
// boot partition.
func (s *StreamSession) Complete() error {
	log := s.sink.log
	var err error

	if st := s.p.LoadEOFAndFlush(); st != process.EOF {
		log.Error("failed DFU update, could not flush stream", "status", int(st))
		err = packfs.ErrTruncated
	}

	// The scratch file closes on every path.
	if s.scratch != nil {
		if serr := s.scratch.Sync(); serr == nil {
			serr = s.scratch.Close()
			if serr != nil && err == nil {
				err = serr
			}
		} else {
			s.scratch.Close()
			if err == nil {
				err = serr
			}
		}
		s.scratch = nil
	}

	s.sink.abort()
	if err != nil {
		return err
	}

	switch {
	case s.sink.err != nil:
		log.Error("failed DFU update", "err", s.sink.err)
		return s.sink.err
	case !s.reachedEOF:
		log.Error("failed DFU update, stream not completely processed")
		return ErrIncomplete
	case !s.sink.foundImg:
		log.Error("failed DFU update, firmware subpath not processed", "subpath", s.sink.path)
		return ErrImageNotFound
	}

	app, aerr := s.d.Updater.Describe(s.sink.partition)
	if aerr != nil {
		log.Error("unable to query newly written app, corrupted?", "err", aerr)
		return aerr
	}

	good := filepath.Join(s.d.Dir, s.naming.ImageName(app.Project, app.Version))
	if err := publish(good, s.scratchPath, log); err != nil {
		log.Error("failed DFU update, could not ensure mountable")
		return err
	}

	if err := s.d.Updater.SetBoot(s.sink.partition); err != nil {
		log.Error("failed to make update partition bootable", "err", err)
		return err
	}

	log.Info("firmware DFU complete, ok to reboot")
	return nil
}

// Cancel abandons the update: the OTA handle is ended, the scratch file
// closed and deleted.
func (s *StreamSession) Cancel() error {
	s.sink.abort()
	if s.scratch != nil {
		s.scratch.Close()
		s.scratch = nil
	}
	if err := os.Remove(s.scratchPath); err != nil && !os.IsNotExist(err) {
		s.sink.log.Error("unable to remove DFU scratch file", "path", s.scratchPath, "err", err)
	}
	s.p.Close()
	s.sink.log.Info("firmware DFU canceled")
	return nil
}

// publish replaces topath with the content of frompath atomically and
// crash-durably (temp file in the target directory, fsync, rename), then
// drops frompath. Same-name publishes are a no-op.
func publish(topath, frompath string, log *slog.Logger) error {
	if topath == frompath {
		return nil
	}
	src, err := os.Open(frompath)
	if err != nil {
		log.Error("unable to open staged archive", "path", frompath, "err", err)
		return err
	}
	defer src.Close()

	t, err := renameio.TempFile(filepath.Dir(topath), topath)
	if err != nil {
		log.Error("unable to stage publish", "path", topath, "err", err)
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, src); err != nil {
		log.Error("failed to copy staged archive", "from", frompath, "to", topath, "err", err)
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		log.Error("failed to publish", "from", frompath, "to", topath, "err", err)
		return err
	}

	if err := os.Remove(frompath); err != nil {
		log.Warn("unable to remove staged archive", "path", frompath, "err", err)
	}
	return nil
}
