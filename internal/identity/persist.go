package identity

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// On-disk format, little endian:
//
//	magic "FIDX" | uint16 version | uint32 dimension | uint32 count
//	count × { uint16 idLen | id | uint16 nameLen | name | int64 enrolledAtUnix | dim × float32 }
var (
	indexMagic   = [4]byte{'F', 'I', 'D', 'X'}
	indexVersion = uint16(1)

	ErrBadIndexFile = errors.New("unreadable identity index file")
)

// Persist writes the index atomically: temp file in the same directory, then
// rename over the target.
func (ix *Index) Persist(path string) error {
	records := ix.Records()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fidx-*")
	if err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(indexMagic[:]); err != nil {
		tmp.Close()
		return err
	}
	if err := writeAll(w, indexVersion, uint32(ix.dim), uint32(len(records))); err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range records {
		if err := writeAll(w,
			uint16(len(rec.ID)), []byte(rec.ID),
			uint16(len(rec.Name)), []byte(rec.Name),
			rec.EnrolledAt.Unix()); err != nil {
			tmp.Close()
			return err
		}
		for _, v := range rec.Vector {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
				tmp.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load replaces the index contents from path. A missing file is not an
// error: the service starts with an empty index. A dimension mismatch is
// rejected so an index written for another model never leaks wrong vectors.
func (ix *Index) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadIndexFile, err)
	}
	if magic != indexMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadIndexFile, magic[:])
	}

	var version uint16
	var dim, count uint32
	if err := readAll(r, &version, &dim, &count); err != nil {
		return fmt.Errorf("%w: %v", ErrBadIndexFile, err)
	}
	if version != indexVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadIndexFile, version)
	}
	if int(dim) != ix.dim {
		return fmt.Errorf("%w: index dimension %d, model dimension %d", ErrDimensionMismatch, dim, ix.dim)
	}

	records := make(map[string]Record, count)
	for i := uint32(0); i < count; i++ {
		id, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrBadIndexFile, i, err)
		}
		name, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrBadIndexFile, i, err)
		}
		var unix int64
		if err := binary.Read(r, binary.LittleEndian, &unix); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrBadIndexFile, i, err)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrBadIndexFile, i, err)
		}
		records[id] = Record{ID: id, Name: name, Vector: vec, EnrolledAt: time.Unix(unix, 0).UTC()}
	}

	ix.mu.Lock()
	ix.records = records
	ix.mu.Unlock()
	return nil
}

func writeAll(w io.Writer, vals ...any) error {
	for _, v := range vals {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readAll(r io.Reader, vals ...any) error {
	for _, v := range vals {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
