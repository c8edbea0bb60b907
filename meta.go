package packfs

// The control surface mirrors the archive's ioctl commands: meta and
// index interrogation on an open session. Every operation restores the
// cursor on all exit paths so reads and seeks continue undisturbed.

// indexStart is the archive offset of the first index record.
func (a *Archive) indexStart() uint32 { return HeaderSize + a.header.MetaSize }

// withCursor runs fn and restores the pre-call cursor afterwards.
func (a *Archive) withCursor(fn func() error) error {
	if a.errored {
		return ErrBadHandle
	}
	saved := a.cursor
	err := fn()
	if rerr := a.seekAbs(saved); err == nil {
		err = rerr
	}
	return err
}

// MetaCount reports the number of meta records in the meta section.
func (a *Archive) MetaCount() (count int, err error) {
	err = a.withCursor(func() error {
		if err := a.seekAbs(HeaderSize); err != nil {
			return err
		}
		var m Meta
		n, err := a.findMeta(a.header.MetaSize, "", &m)
		count = n
		if err == ErrNotFound {
			err = nil // an exhausted scan is the count
		}
		return err
	})
	return count, err
}

// MetaAt walks to the i-th meta record and returns it with its
// description and value payloads.
func (a *Archive) MetaAt(i int) (m Meta, desc, value []byte, err error) {
	err = a.withCursor(func() error {
		if i < 0 {
			return ErrInvalidArgument
		}
		if err := a.seekAbs(HeaderSize); err != nil {
			return err
		}
		remain := a.header.MetaSize
		for skip := 0; skip < i; skip++ {
			if remain == 0 {
				return ErrInvalidArgument
			}
			if _, _, err := a.readMeta(&m, false, false); err != nil {
				return err
			}
			if m.RecordSize() > remain {
				return a.fail(ErrTruncated)
			}
			remain -= m.RecordSize()
		}
		if remain == 0 {
			return ErrInvalidArgument
		}
		desc, value, err = a.readMeta(&m, true, true)
		return err
	})
	return m, desc, value, err
}

// MetaFind locates the first meta record whose key equals key, returning
// its index. Missing keys fail with ErrNotFound.
func (a *Archive) MetaFind(key string) (index int, m Meta, err error) {
	err = a.withCursor(func() error {
		if key == "" || len(key) >= MaxMetaKey {
			return ErrInvalidArgument
		}
		if err := a.seekAbs(HeaderSize); err != nil {
			return err
		}
		index, err = a.findMeta(a.header.MetaSize, key, &m)
		return err
	})
	return index, m, err
}

// EntryCount reports the number of index records.
func (a *Archive) EntryCount() int { return int(a.header.IndexSize / EntrySize) }

// EntryAt reads the i-th index record.
func (a *Archive) EntryAt(i int) (e Entry, err error) {
	err = a.withCursor(func() error {
		if i < 0 || i >= a.EntryCount() {
			return ErrInvalidArgument
		}
		if err := a.seekAbs(a.indexStart() + uint32(i)*EntrySize); err != nil {
			return err
		}
		return a.readIndex(&e)
	})
	return e, err
}

// EntryFind scans the index for a byte-equal path. First match wins.
func (a *Archive) EntryFind(path string) (e Entry, err error) {
	err = a.withCursor(func() error {
		if path == "" || len(path) >= MaxEntryPath {
			return ErrInvalidArgument
		}
		if err := a.seekAbs(a.indexStart()); err != nil {
			return err
		}
		_, err := a.findEntry(a.header.IndexSize, path, &e)
		return err
	})
	return e, err
}

// CurrentImageHash reads the 32-byte hash prefix of the selected image
// entry. Non-image entries fail with ErrUnsupported.
func (a *Archive) CurrentImageHash() (hash [HashSize]byte, err error) {
	err = a.withCursor(func() error {
		if !a.isOpen {
			return ErrInvalidArgument
		}
		if !a.entry.IsImg() {
			return ErrUnsupported
		}
		if err := a.seekAbs(a.entry.Offset); err != nil {
			return err
		}
		return a.readChunk(hash[:])
	})
	return hash, err
}
