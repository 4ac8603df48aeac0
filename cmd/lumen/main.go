// Command lumen compiles kernel method files into one of the backend
// formats. Input files carry the JSON wire form of a method; output is
// the assembled artifact, or the readable trace for -format=trace.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lumen-gpu/lumen/internal/codegen"
	"github.com/lumen-gpu/lumen/internal/compilerd"
	"github.com/lumen-gpu/lumen/internal/ir"
	"github.com/lumen-gpu/lumen/internal/kernelcache"
	"github.com/lumen-gpu/lumen/internal/target"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		formatName  = flag.String("format", "trace", "output format: warp|managed|shader|trace")
		outPath     = flag.String("o", "", "write output to file instead of stdout")
		require     = flag.String("require", "", "required target capability, e.g. '>= 1.2'")
		cacheDir    = flag.String("cache", "", "kernel cache directory (disabled when empty)")
		cacheSize   = flag.String("cache-size", "512MiB", "kernel cache capacity")
		watch       = flag.Bool("watch", false, "recompile whenever an input file changes")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("lumen v%s (%s)\n", version, commit)
		return
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: lumen [flags] kernel.json...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	format, err := codegen.ParseFormat(*formatName)
	if err != nil {
		log.Fatalf("lumen: %v", err)
	}
	tgt := target.Host()
	if *require != "" {
		if err := tgt.Require(*require); err != nil {
			log.Fatalf("lumen: %v", err)
		}
	}

	var cache *kernelcache.Store
	if *cacheDir != "" {
		cache, err = kernelcache.Open(*cacheDir, *cacheSize)
		if err != nil {
			log.Fatalf("lumen: open cache: %v", err)
		}
	}

	c := &compiler{
		pipeline: codegen.New(codegen.Options{Target: tgt, Format: format}),
		format:   format,
		target:   tgt,
		cache:    cache,
		out:      *outPath,
	}
	if err := c.compileAll(flag.Args()); err != nil {
		if !*watch {
			log.Fatalf("lumen: %v", err)
		}
		log.Printf("lumen: %v", err)
	}
	if *watch {
		if err := c.watch(flag.Args()); err != nil {
			log.Fatalf("lumen: %v", err)
		}
	}
}

type compiler struct {
	pipeline *codegen.Pipeline
	format   codegen.Format
	target   *target.Target
	cache    *kernelcache.Store
	out      string
}

func (c *compiler) compileAll(paths []string) error {
	for _, p := range paths {
		if err := c.compileFile(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (c *compiler) compileFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var wm compilerd.Method
	if err := json.Unmarshal(raw, &wm); err != nil {
		return err
	}
	m, err := wm.Decode(ir.NewTypeContext())
	if err != nil {
		return err
	}

	var key kernelcache.Key
	if c.cache != nil {
		key = kernelcache.Fingerprint(m.String(), c.format.String(), c.target.String())
		if e, ok, err := c.cache.Get(key); err == nil && ok {
			return c.write(m.Name, e.Code, e.Trace)
		}
	}

	a, err := c.pipeline.CompileMethod(context.Background(), m)
	if err != nil {
		return err
	}
	if c.cache != nil {
		err := c.cache.Put(key, &kernelcache.Entry{
			Method: a.Method,
			Format: c.format.String(),
			Target: c.target.String(),
			Code:   a.Code,
			Trace:  a.Trace,
		})
		if err != nil {
			log.Printf("lumen: cache write: %v", err)
		}
	}
	return c.write(a.Method, a.Code, a.Trace)
}

func (c *compiler) write(method string, code []byte, trace string) error {
	if c.format == codegen.FormatTrace {
		if c.out != "" {
			return os.WriteFile(c.out, []byte(trace), 0o644)
		}
		fmt.Printf("method %s:\n%s", method, trace)
		return nil
	}
	out := c.out
	if out == "" {
		out = method + "." + c.format.String()
	}
	if err := os.WriteFile(out, code, 0o644); err != nil {
		return err
	}
	log.Printf("lumen: wrote %s (%d bytes)", out, len(code))
	return nil
}

// watch recompiles inputs as they change until interrupted. Editors often
// replace files instead of writing in place, so renamed paths are re-added.
func (c *compiler) watch(paths []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return err
		}
	}
	log.Printf("lumen: watching %s", strings.Join(paths, ", "))
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 && ev.Op&fsnotify.Rename == 0 {
				continue
			}
			if ev.Op&fsnotify.Rename != 0 {
				// brief settle window for atomic-save editors
				time.Sleep(50 * time.Millisecond)
				_ = w.Add(ev.Name)
			}
			if err := c.compileFile(ev.Name); err != nil {
				log.Printf("lumen: %s: %v", ev.Name, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("lumen: watch: %v", err)
		}
	}
}
