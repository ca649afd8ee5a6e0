package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

// parsePatch reads one patch line: `R G B [BR BG BB [X Y W H]]`, every value
// in [0,1]. Blank lines and lines starting with # yield ok=false.
func parsePatch(line string) (patch common.Patch, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == `` || strings.HasPrefix(line, `#`) {
		return patch, false, nil
	}
	fields := strings.Fields(line)
	if n := len(fields); n != 3 && n != 6 && n != 10 {
		return patch, false, fmt.Errorf(`%w: expected 3, 6 or 10 values, got %d`, common.ErrInvalid, n)
	}
	v := make([]float64, len(fields))
	for i, f := range fields {
		if v[i], err = strconv.ParseFloat(f, 64); err != nil {
			return patch, false, fmt.Errorf(`%w: %q is not a number`, common.ErrInvalid, f)
		}
	}
	patch = common.NewPatch(common.RGB{v[0], v[1], v[2]})
	if len(v) >= 6 {
		patch.Background = common.RGB{v[3], v[4], v[5]}
	}
	if len(v) == 10 {
		patch.Geometry = common.Geometry{X: v[6], Y: v[7], W: v[8], H: v[9]}
	}
	if err := patch.Validate(); err != nil {
		return patch, false, err
	}
	return patch, true, nil
}

// readPatches sends one patch per line of r until EOF or ctx is done
func readPatches(ctx context.Context, r io.Reader, send func(common.Patch) error) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			patch, ok, err := parsePatch(line)
			if err != nil {
				logger.WithField(`line`, line).Warnln(err)
				continue
			}
			if !ok {
				continue
			}
			if err := send(patch); err != nil {
				return err
			}
		}
	}
}

// lastPatch returns the last patch line in the file at path
func lastPatch(path string) (patch common.Patch, ok bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return patch, false, err
	}
	lines := strings.Split(string(b), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		patch, ok, err = parsePatch(lines[i])
		if err != nil || ok {
			return patch, ok, err
		}
	}
	return patch, false, nil
}

// watchPatches sends the last patch of the file at path now and whenever the
// file changes, until ctx is done
func watchPatches(ctx context.Context, path string, send func(common.Patch) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	var last *common.Patch
	update := func() error {
		patch, ok, err := lastPatch(path)
		if err != nil {
			logger.WithFields(logrus.Fields{`file`: path, `error`: err}).Warnln(`Could not read patch`)
			return nil
		}
		if !ok || (last != nil && *last == patch) {
			return nil
		}
		last = &patch
		return send(patch)
	}
	if err := update(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := update(); err != nil {
					return err
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// editors replace the file, follow the new one
				_ = watcher.Remove(path)
				if err := watcher.Add(path); err == nil {
					if err := update(); err != nil {
						return err
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithField(`error`, err).Warnln(`Watch error`)
		}
	}
}
