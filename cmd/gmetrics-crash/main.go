// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gmetrics-crash repeatedly runs a dummy allocation workload under
// the allocator, kills it at a random point in its lifetime, and confirms
// it had made progress before the kill.
// Adapted from dbm/crash's fork-run-kill-verify harness; unlike dbm's WAL,
// a block store's backing file is unlinked at creation (spec.md §6), so
// there is nothing to recover post-mortem -- verification instead happens
// continuously inside the dummy workload itself (every Malloc and Free runs
// the block store's invariant check, which panics on a violation), and the
// master only checks that the child printed at least one progress line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/syslog"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cznic/gmetrics"
)

var oTest = flag.Bool("test", false, "run as the crash test dummie")

func dummie() {
	log.SetFlags(log.Flags() | log.Lshortfile)

	a, err := gmetrics.New()
	if err != nil {
		log.Fatal(err)
	}
	ctx := gmetrics.NewThreadContext(context.Background(), "crash-dummie")
	if err := a.Start(ctx); err != nil {
		log.Fatal(err)
	}

	var live [][]byte
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	deadline := time.After(time.Minute)

	for iter := 0; ; iter++ {
		select {
		case <-deadline:
			log.Fatal("timeout")
		default:
		}

		switch {
		case len(live) == 0 || rng.Intn(3) != 0:
			n := 16 + rng.Intn(4096)
			p, err := a.Malloc(ctx, n)
			if err != nil {
				log.Fatal(err)
			}
			live = append(live, p)
		default:
			idx := rng.Intn(len(live))
			if err := a.Free(ctx, live[idx]); err != nil {
				log.Fatal(err)
			}
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		if iter%1000 == 0 {
			fmt.Printf("progress iter=%d live=%d\n", iter, len(live))
		}
	}
}

func main() {
	flag.Parse()
	if *oTest {
		dummie()
		panic("unreachable")
	}

	slg, err := syslog.NewLogger(syslog.LOG_USER|syslog.LOG_DEBUG, log.Lshortfile)
	if err != nil {
		log.Fatal(err)
	}

	slg.Print("master started")
	ncrash := 1
	for {
		lifespan := time.Duration(5+rand.Intn(10)) * time.Second

		cmd := exec.Command(os.Args[0], "-test")
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			slg.Fatal(err)
		}
		if err := cmd.Start(); err != nil {
			slg.Fatal(err)
		}

		var lastProgress string
		done := make(chan struct{})
		go func() {
			defer close(done)
			sc := bufio.NewScanner(stdout)
			for sc.Scan() {
				if strings.HasPrefix(sc.Text(), "progress ") {
					lastProgress = sc.Text()
				}
			}
		}()

		<-time.After(lifespan)
		if err := cmd.Process.Kill(); err != nil {
			slg.Fatal(err)
		}
		<-done
		cmd.Wait()

		if lastProgress == "" {
			slg.Fatal("dummie produced no progress before being killed")
		}

		log.Printf("#%d: lived %s, last: %s", ncrash, lifespan, lastProgress)
		ncrash++
	}
}