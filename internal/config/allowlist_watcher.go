package config

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/sshnp-go/sshnp/internal/daemonctl"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

// WatchAllowListFile loads path into list immediately, then watches it
// for writes and reloads on every change, until ctx is cancelled. Lets an
// operator edit npd's --manager allow-list on a running daemon instead of
// restarting it.
func WatchAllowListFile(ctx context.Context, log nplog.Logger, path string, list *daemonctl.AllowList) error {
	if err := reloadAllowListFile(path, list); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := reloadAllowListFile(path, list); err != nil {
					log.WLogf("reload allow-list %s: %s", path, err)
					continue
				}
				log.ILogf("reloaded allow-list from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WLogf("allow-list watcher: %s", err)
			}
		}
	}()

	return nil
}

func reloadAllowListFile(path string, list *daemonctl.AllowList) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	list.Set(addrs)
	return nil
}
