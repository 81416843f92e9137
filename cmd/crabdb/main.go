// Command crabdb is a thin CLI over pkg/chain: open-or-create a record
// file and run one operation against it. It exists to give the library a
// runnable entry point, not as a full query-lowering shell.
package main

import (
	"flag"
	"fmt"
	"os"

	"crabdb/internal/config"
	"crabdb/pkg/chain"
	"crabdb/pkg/dberr"

	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logrus.New()
	if os.Getenv("CRABDB_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	path := fs.String("db", "", "path to the .crabdb record file")
	configPath := fs.String("config", "", "path to an optional YAML config file")
	fs.Parse(os.Args[2:])
	args := fs.Args()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "crabdb: -db is required")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "crabdb: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	opts := []chain.Option{
		chain.WithLogger(log),
		chain.WithAuthor(cfg.DefaultAuthor),
		chain.WithDefaultBranch(cfg.DefaultBranch),
		chain.WithFsyncDir(cfg.FsyncDir),
	}

	if err := run(cmd, *path, args, opts); err != nil {
		fmt.Fprintf(os.Stderr, "crabdb: %v (%s)\n", err, dberr.KindOf(err))
		os.Exit(1)
	}
}

func run(cmd, path string, args []string, opts []chain.Option) error {
	switch cmd {
	case "init":
		c, err := chain.Create(path, opts...)
		if err != nil {
			return err
		}
		return c.Close()

	case "put":
		if len(args) != 2 {
			return fmt.Errorf("usage: crabdb put -db path KEY VALUE")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Store().Put(args[0], args[1])

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb get -db path KEY")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		v, err := c.Store().Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb del -db path KEY")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Store().Del(args[0])

	case "commit":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb commit -db path MESSAGE")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		commit, err := c.Commit(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%016x %s\n", commit.Hash, commit.Message)
		return nil

	case "branch":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb branch -db path NAME")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.BranchTo(args[0])

	case "checkout":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb checkout -db path TARGET")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Checkout(args[0])

	case "log":
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Log(func(hash uint64, message string) bool {
			fmt.Printf("%016x %s\n", hash, message)
			return true
		})

	case "verify":
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Store().VerifyIntegrity()

	case "backup":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb backup -db path DEST")
		}
		c, err := chain.Open(path, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Backup(args[0])

	case "restore":
		if len(args) != 1 {
			return fmt.Errorf("usage: crabdb restore -db path SRC")
		}
		return chain.Restore(args[0], path)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: crabdb <command> -db path [-config path] [args...]

commands:
  init                      create an empty record file
  put KEY VALUE             write a record
  get KEY                   read a record
  del KEY                   delete a record
  commit MESSAGE            append a commit sentinel
  branch NAME               reassign the branch cursor
  checkout TARGET           move the cursor to a branch or commit hash
  log                       print commit sentinels in file order
  verify                    check every record's integrity hash
  backup DEST               write a header-stamped copy to DEST
  restore SRC                restore -db path from a backup at SRC

flags:
  -config path              optional YAML config file (default_extension,
                             default_branch, default_author, fsync_dir)`)
}
