package tracker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const snapshotHeader = "ftpspoll-seen v1"

// SaveSnapshot writes all records to filename through a temporary file, so
// a crash never leaves a half written snapshot behind.
func (t *Tracker) SaveSnapshot(filename string) error {
	type record struct {
		key Key
		mod time.Time
	}
	var records []record
	t.each(func(k Key, mod time.Time) {
		records = append(records, record{k, mod})
	})
	sort.Slice(records, func(i, j int) bool {
		if records[i].key.Dir != records[j].key.Dir {
			return records[i].key.Dir < records[j].key.Dir
		}
		return records[i].key.Name < records[j].key.Name
	})

	tmp := filename + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, snapshotHeader)
	for _, r := range records {
		fmt.Fprintf(w, "%d %s %s\n", r.mod.UnixNano(), strconv.Quote(r.key.Dir), strconv.Quote(r.key.Name))
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, filename)
}

// LoadSnapshot merges the records of filename into t. A missing file is not
// an error.
func (t *Tracker) LoadSnapshot(filename string) error {
	f, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		if lineNum == 1 {
			if line != snapshotHeader {
				return fmt.Errorf("%s: unknown snapshot format %q", filename, line)
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, mod, err := parseRecord(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", filename, lineNum, err)
		}
		t.Record(key, mod)
	}
	return scanner.Err()
}

func parseRecord(line string) (Key, time.Time, error) {
	ts, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Key{}, time.Time{}, errors.New("missing fields")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Key{}, time.Time{}, fmt.Errorf("bad timestamp: %w", err)
	}
	dirQuoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return Key{}, time.Time{}, fmt.Errorf("bad directory: %w", err)
	}
	nameQuoted := strings.TrimPrefix(rest[len(dirQuoted):], " ")
	dir, err := strconv.Unquote(dirQuoted)
	if err != nil {
		return Key{}, time.Time{}, fmt.Errorf("bad directory: %w", err)
	}
	name, err := strconv.Unquote(nameQuoted)
	if err != nil {
		return Key{}, time.Time{}, fmt.Errorf("bad name: %w", err)
	}
	return Key{Dir: dir, Name: name}, time.Unix(0, nanos).UTC(), nil
}
