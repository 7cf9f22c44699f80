// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

// This is a standalone target application exposing the performance
// problem endpoints stampede generates load against. Each endpoint
// simulates a different pathology so the load test has something
// realistic to measure.

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

func main() {
	help := flag.Bool("help", false, "Optional, prints usage info")
	port := flag.String("port", "8080", "The http port, defaults to 8080")
	flag.Parse()

	usage := `usage:

testserver [-port <port> -help]

Options:
  -help  Prints this message
  -port  Optional, the http port for the server to listen on`

	if *help {
		fmt.Println(usage)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/performance/slow", delayed(800*time.Millisecond, 2*time.Second))
	mux.HandleFunc("/performance/n-plus-one", delayed(500*time.Millisecond, 1500*time.Millisecond))
	mux.HandleFunc("/performance/slow-query", delayed(1*time.Second, 3*time.Second))
	mux.HandleFunc("/performance/js-errors", flaky(0.3, http.StatusInternalServerError))
	mux.HandleFunc("/performance/bad-vitals", delayed(200*time.Millisecond, 600*time.Millisecond))
	mux.HandleFunc("/performance/error", flaky(0.5, http.StatusInternalServerError))
	mux.HandleFunc("/performance/slow-query/full-scan", delayed(3*time.Second, 8*time.Second))
	mux.HandleFunc("/performance/slow-query/complex-join", delayed(2*time.Second, 6*time.Second))

	server := &http.Server{
		Addr:         ":" + *port,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
		Handler:      mux,
	}

	log.Printf("Starting test server on port %s", *port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

// delayed responds 200 after sleeping a random duration in [min, max).
func delayed(min, max time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := min + time.Duration(rand.Int63n(int64(max-min)))
		time.Sleep(d)
		fmt.Fprintf(w, "slept %s", d.Round(time.Millisecond))
	}
}

// flaky fails with the given status at the given rate, responding 200
// otherwise.
func flaky(failRate float64, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rand.Float64() < failRate {
			http.Error(w, http.StatusText(status), status)
			return
		}
		fmt.Fprint(w, "ok")
	}
}
