package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/renameio"
	"github.com/rodaine/table"

	"github.com/innofi/packfs"
	"github.com/innofi/packfs/internal/packbuild"
	"github.com/innofi/packfs/process"
)

var errUsage = errors.New("packfs: missing argument")

type list struct {
	path string
}

func (l *list) Run() error {
	if l.path == "" {
		return errUsage
	}
	d, err := packfs.OpenDir(l.path)
	if err != nil {
		return err
	}
	defer d.Close()

	tbl := table.New("path", "type", "compressed", "offset", "length")
	for {
		e, err := d.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		kind := "regular"
		if e.IsImg() {
			kind = "image"
		}
		tbl.AddRow(e.Path(), kind, fmt.Sprint(e.IsLzo()), e.Offset, e.Length)
	}
	tbl.Print()
	return nil
}

type meta struct {
	path string
}

func (m *meta) Run() error {
	if m.path == "" {
		return errUsage
	}
	a, err := packfs.Open(m.path)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.MetaCount()
	if err != nil {
		return err
	}
	tbl := table.New("key", "type", "desc", "value bytes")
	for i := 0; i < n; i++ {
		rec, desc, value, err := a.MetaAt(i)
		if err != nil {
			return err
		}
		tbl.AddRow(rec.Key(), rec.Type, string(desc), len(value))
	}
	tbl.Print()
	return nil
}

type cat struct {
	composite string
}

func (c *cat) Run() error {
	if c.composite == "" {
		return errUsage
	}
	container, interior, err := packfs.SplitPath(c.composite)
	if err != nil {
		return err
	}
	if interior == "" {
		return fmt.Errorf("packfs: no interior path in %q", c.composite)
	}
	a, err := packfs.OpenEntry(container, interior)
	if err != nil {
		return err
	}
	defer a.Close()
	_, err = io.Copy(os.Stdout, a)
	return err
}

type verify struct {
	path string
	full bool
}

func (v *verify) Run() error {
	if v.path == "" {
		return errUsage
	}
	bodyOK := false
	images := 0
	cbs := process.Callbacks{
		OnBodyHash: func(reported, computed []byte, matches bool) bool {
			bodyOK = matches
			return matches
		},
	}
	if v.full {
		cbs.OnImgEntryEnd = func(e *packfs.Entry, reported, computed []byte, matches bool) bool {
			if matches {
				images++
			}
			return matches
		}
	}
	status := process.FromFile(v.path, cbs)
	if status != process.EOF {
		return fmt.Errorf("packfs: verification failed (status %d)", status)
	}
	tbl := table.New("archive", "body hash", "verified images")
	tbl.AddRow(v.path, fmt.Sprint(bodyOK), images)
	tbl.Print()
	return nil
}

type create struct {
	output string
	metas  []string
	images []string
	lzo    int
	files  []string
}

func (c *create) Run() error {
	if len(c.files) == 0 {
		return errUsage
	}
	var b packbuild.Builder
	for _, kv := range c.metas {
		key, value, _ := strings.Cut(kv, "=")
		b.AddMeta(packbuild.MetaRecord{Type: packfs.MetaString, Key: key, Value: []byte(value)})
	}
	img := make(map[string]bool, len(c.images))
	for _, p := range c.images {
		img[p] = true
	}
	for _, p := range c.files {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		b.AddFile(packbuild.FileSpec{
			Path:         p,
			Data:         data,
			Image:        img[p],
			LzoBlocksize: c.lzo,
		})
	}
	raw, err := b.Bytes()
	if err != nil {
		return err
	}
	t, err := renameio.TempFile("", c.output)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(raw); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

type strip struct {
	path   string
	output string
}

// Run re-emits the archive through the streaming processor, suppressing
// every byte of the image section in the mirrored copy.
func (s *strip) Run() error {
	if s.path == "" {
		return errUsage
	}
	in, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer in.Close()

	t, err := renameio.TempFile("", s.output)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	p, err := process.NewStreamIO(4*process.MinStreamSize, process.Callbacks{},
		func(p *process.Processor, data []byte) process.Status {
			if p.Section() == process.SectionImgEntry {
				return process.Ok
			}
			if _, err := t.Write(data); err != nil {
				return process.Fail
			}
			return process.Ok
		})
	if err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if st := p.LoadAndProcess(buf[:n]); st != process.Again && st != process.EOF {
				return fmt.Errorf("packfs: strip failed (status %d)", st)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if st := p.LoadEOFAndFlush(); st != process.EOF {
		return fmt.Errorf("packfs: strip failed (status %d)", st)
	}
	return t.CloseAtomicallyReplace()
}
