// synctl drives the syncd ops surface: probe the sink, replay recorded
// events, inspect the delivery ledger.
//
//	synctl -addr http://localhost:8090 probe [url]
//	synctl replay <event-id>
//	synctl get <event-id>
//	synctl failed [-limit 20]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", getenv("SYNCD_ADDR", "http://localhost:8090"), "syncd base url")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fatal("usage: synctl [-addr url] probe|replay|get|failed ...")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	base := strings.TrimRight(*addr, "/")

	switch args[0] {
	case "probe":
		body := []byte("{}")
		if len(args) > 1 {
			raw, err := json.Marshal(map[string]string{"url": args[1]})
			if err != nil {
				fatal(err.Error())
			}
			body = raw
		}
		do(client, http.MethodPost, base+"/ops/probe", body)
	case "replay":
		if len(args) < 2 {
			fatal("usage: synctl replay <event-id>")
		}
		do(client, http.MethodPost, base+"/ops/replay/"+args[1], nil)
	case "get":
		if len(args) < 2 {
			fatal("usage: synctl get <event-id>")
		}
		do(client, http.MethodGet, base+"/ledger/"+args[1], nil)
	case "failed":
		fs := flag.NewFlagSet("failed", flag.ExitOnError)
		limit := fs.Int("limit", 20, "max records")
		_ = fs.Parse(args[1:])
		do(client, http.MethodGet, fmt.Sprintf("%s/ledger?status=failed&limit=%d", base, *limit), nil)
	default:
		fatal("unknown command: " + args[0])
	}
}

func do(client *http.Client, method, url string, body []byte) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		fatal(err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err.Error())
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(bytes.TrimSpace(raw)))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
