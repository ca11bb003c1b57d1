/*
main.go - Application entry point

PURPOSE:
  Command line for the completion chain engine: runs the HTTP server,
  recomputes aggregates offline, and resolves sticker grades.

COMMANDS:
  serve      HTTP API with the recompute scheduler and config watcher
  recompute  Rebuild one user (--user) or every user (--all) from events
  grade      Resolve a completion count to a sticker grade

GLOBAL FLAGS:
  --db              SQLite database path (default: chain.db)
                    Use ":memory:" for an in-memory database
  --sticker-config  Grade document (JSON or YAML)
  --log-level       debug|info|warn|error (default: info)
  --log-format      text|json (default: text)

ENVIRONMENT:
  STICKER_GRADES_CONFIG_PATH overrides the default grade document path
  when --sticker-config is not given.

EXAMPLES:
  chainengine serve --addr :8080 --db ./data/chain.db --watch-config
  chainengine recompute --all --db ./data/chain.db
  chainengine grade --count 3

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
