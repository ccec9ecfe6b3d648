// Command scanbox is a CLI client for the offline-first document store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/backend"
	"scanbox/internal/blobstore"
	"scanbox/internal/clock"
	"scanbox/internal/connectivity"
	"scanbox/internal/model"
	"scanbox/internal/snapshot"
	"scanbox/internal/store"
	"scanbox/internal/syncer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- data dir / store ----

func dataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "scanbox")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "scanbox")
}

func openStore(ctx context.Context, dir string, log *zap.Logger) (*store.Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.OpenSQLite(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, store.Config{Snapshot: snap, Blobs: blobs, Logger: log})
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// docRow is the short listing form.
type docRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Pages     int    `json:"pages"`
	Folder    string `json:"folder,omitempty"`
	SyncState string `json:"sync_state"`
	UpdatedAt string `json:"updated_at"`
}

func toRow(d *model.Document) docRow {
	return docRow{
		ID:        d.ID,
		Name:      d.Name,
		Pages:     len(d.Pages),
		Folder:    d.FolderID,
		SyncState: string(d.SyncState),
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `scanbox CLI
Usage:
  scanbox [-server URL] [-data DIR] <cmd> [args]

Commands:
  version
  add       -name <name> [-folder <id>]
  ls        [-folder <id>]
  show      -id <id>
  rm        -id <id>
  mv        -id <id> [-folder <id>]
  add-page  -id <id> -file <path|-> [-ocr <text>]
  rm-page   -id <id> -page <id>
  mv-page   -id <id> -page <id> -to <index>
  annotate  -id <id> -page <id> [-file <json|->]
  mkdir     -name <name> [-parent <id>]
  rmdir     -id <id>
  folders
  resolve   -id <id> -keep local|remote
  sync
  watch
`)
	os.Exit(2)
}

// main dispatches subcommands against the local store; sync and watch also
// talk to the server.
func main() {
	server := flag.String("server", "http://localhost:8080", "sync server base URL")
	data := flag.String("data", dataDir(), "local data directory")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("scanbox %s (%s)\n", version, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zap.NewNop()
	s, err := openStore(ctx, *data, logger)
	if err != nil {
		fail(err)
	}
	defer func() { _ = s.Close() }()

	switch cmd {

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		name := fs.String("name", "", "document name")
		folder := fs.String("folder", "", "folder id")
		_ = fs.Parse(args)
		if *name == "" {
			fail(fmt.Errorf("need -name"))
		}
		d, err := s.CreateDocument(*name, *folder)
		if err != nil {
			fail(err)
		}
		fmt.Println(d.ID)

	case "ls":
		fs := flag.NewFlagSet("ls", flag.ExitOnError)
		folder := fs.String("folder", "", "folder id")
		_ = fs.Parse(args)
		rows := []docRow{}
		for _, d := range s.ListDocuments(*folder) {
			rows = append(rows, toRow(d))
		}
		printJSON(rows)

	case "show":
		fs := flag.NewFlagSet("show", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		_ = fs.Parse(args)
		d, err := s.GetDocument(*id)
		if err != nil {
			fail(err)
		}
		printJSON(d)

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		_ = fs.Parse(args)
		if err := s.DeleteDocument(*id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "mv":
		fs := flag.NewFlagSet("mv", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		folder := fs.String("folder", "", "target folder id (empty for root)")
		_ = fs.Parse(args)
		if _, err := s.MoveDocument(*id, *folder); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "add-page":
		fs := flag.NewFlagSet("add-page", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		file := fs.String("file", "", "image file (- for stdin)")
		ocr := fs.String("ocr", "", "recognized text")
		_ = fs.Parse(args)
		if *file == "" {
			fail(fmt.Errorf("need -file"))
		}
		img, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		d, err := s.ImportPage(*id, img, *ocr)
		if err != nil {
			fail(err)
		}
		fmt.Println(d.Pages[len(d.Pages)-1].ID)

	case "rm-page":
		fs := flag.NewFlagSet("rm-page", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		page := fs.String("page", "", "page id")
		_ = fs.Parse(args)
		if _, err := s.RemovePage(*id, *page); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "mv-page":
		fs := flag.NewFlagSet("mv-page", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		page := fs.String("page", "", "page id")
		to := fs.Int("to", 0, "target index")
		_ = fs.Parse(args)
		if _, err := s.MovePage(*id, *page, *to); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "annotate":
		fs := flag.NewFlagSet("annotate", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		page := fs.String("page", "", "page id")
		file := fs.String("file", "", "annotation JSON (- for stdin, omit to clear)")
		_ = fs.Parse(args)
		var ann []byte
		if *file != "" {
			raw, err := readAll(*file)
			if err != nil {
				fail(err)
			}
			ann = raw
		}
		if _, err := s.AnnotatePage(*id, *page, ann); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "mkdir":
		fs := flag.NewFlagSet("mkdir", flag.ExitOnError)
		name := fs.String("name", "", "folder name")
		parent := fs.String("parent", "", "parent folder id")
		_ = fs.Parse(args)
		if *name == "" {
			fail(fmt.Errorf("need -name"))
		}
		f, err := s.CreateFolder(*name, *parent)
		if err != nil {
			fail(err)
		}
		fmt.Println(f.ID)

	case "rmdir":
		fs := flag.NewFlagSet("rmdir", flag.ExitOnError)
		id := fs.String("id", "", "folder id")
		_ = fs.Parse(args)
		if err := s.DeleteFolder(*id); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "folders":
		printJSON(s.ListFolders())

	case "resolve":
		fs := flag.NewFlagSet("resolve", flag.ExitOnError)
		id := fs.String("id", "", "document id")
		keep := fs.String("keep", "", "local or remote")
		_ = fs.Parse(args)
		if *keep != "local" && *keep != "remote" {
			fail(fmt.Errorf("need -keep local|remote"))
		}
		d, err := s.ResolveConflict(*id, *keep == "local")
		if err != nil {
			fail(err)
		}
		printJSON(toRow(d))

	case "sync":
		eng, err := syncer.New(syncer.Config{
			Store:   s,
			Backend: backend.NewHTTPClient(*server, 0),
			Logger:  logger,
		})
		if err != nil {
			fail(err)
		}
		eng.ForceSyncNow(ctx)
		if n := s.QueueLen(); n > 0 {
			fmt.Printf("%d mutation(s) still pending\n", n)
			os.Exit(1)
		}
		fmt.Println("ok")

	case "watch":
		be := backend.NewHTTPClient(*server, 0)
		prober := connectivity.NewProber(be, clock.Real{}, logger, 0)
		prober.Start(ctx)
		defer prober.Stop()

		eng, err := syncer.New(syncer.Config{
			Store:   s,
			Backend: be,
			Watcher: prober,
			Logger:  logger,
		})
		if err != nil {
			fail(err)
		}
		eng.Start(ctx)
		defer eng.Stop()

		events, cancel := s.Subscribe()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				fmt.Printf("%s %s %s %s\n", ev.Kind, ev.TargetType, ev.TargetID, ev.SyncState)
			}
		}

	default:
		usage()
	}
}
